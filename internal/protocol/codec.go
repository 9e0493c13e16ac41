package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

var (
	ErrBadEnvelope = errors.New("protocol: bad envelope")
	ErrBadPayload  = errors.New("protocol: bad payload")
)

var (
	api      = sonic.ConfigStd
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Envelope is the frame exchanged on the event channel in both directions.
// ID is set by the client on ack-style requests and echoed in the ack.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound event before encoding.
type Message struct {
	Event string
	ID    string
	Data  any
}

// Encode marshals a message into a single frame.
func Encode(m Message) ([]byte, error) {
	var raw json.RawMessage
	if m.Data != nil {
		b, err := api.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.Event, err)
		}
		raw = b
	}
	return api.Marshal(Envelope{Event: m.Event, ID: m.ID, Data: raw})
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := api.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrBadEnvelope)
	}
	return env, nil
}

// Bind decodes env.Data into v and validates its struct tags.
func Bind(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrBadPayload, env.Event)
	}
	if err := api.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Event, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Event, err)
	}
	return nil
}

// Unmarshal decodes env.Data without validation; used for server events on
// the client side.
func Unmarshal(env Envelope, v any) error {
	if err := api.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Event, err)
	}
	return nil
}
