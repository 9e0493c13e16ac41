// Package client is the participant side of the event channel and the REST
// surface, used by the headless space client.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/protocol"
)

var (
	ErrClosed  = errors.New("client: connection closed")
	ErrTimeout = errors.New("client: request timed out")
)

type Options struct {
	// ServerURL is the http(s) base of the coordinator.
	ServerURL string
	Identity  domain.UserID
	// RequestTimeout bounds the wait for an ack.
	RequestTimeout time.Duration
	EventBuffer    int
	Dialer         *websocket.Dialer
	HTTP           *http.Client
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.HTTP == nil {
		o.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	return o
}

// Client is one event-channel connection. Server events other than acks
// and pongs are delivered on Events in arrival order.
type Client struct {
	opts Options
	conn *websocket.Conn

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	joins   map[domain.SpaceID]*joinCall

	events chan protocol.Envelope
	done   chan struct{}
	once   sync.Once
}

type joinCall struct {
	done chan struct{}
	ack  protocol.Ack
	err  error
}

// Dial opens the event channel as opts.Identity.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	endpoint, err := wsURL(opts.ServerURL, "/api/ws/signal")
	if err != nil {
		return nil, err
	}
	conn, _, err := opts.Dialer.DialContext(ctx, endpoint, identityHeader(opts.Identity))
	if err != nil {
		return nil, fmt.Errorf("dial signal: %w", err)
	}
	c := &Client{
		opts:    opts,
		conn:    conn,
		pending: make(map[string]chan protocol.Envelope),
		joins:   make(map[domain.SpaceID]*joinCall),
		events:  make(chan protocol.Envelope, opts.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func wsURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func identityHeader(id domain.UserID) http.Header {
	h := http.Header{}
	if id != "" {
		h.Set("Cookie", (&http.Cookie{Name: "ct", Value: string(id)}).String())
	}
	return h
}

// Events yields server-pushed events. It is closed with the connection.
func (c *Client) Events() <-chan protocol.Envelope { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("module", "client").Msg("signal read")
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("dropping malformed frame")
			continue
		}
		if (env.Event == protocol.EventAck || env.Event == protocol.EventPong) && env.ID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		select {
		case c.events <- env:
		default:
			log.Warn().Str("module", "client").Str("event", env.Event).Msg("event buffer full, dropping")
		}
	}
}

func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		close(c.events)
	})
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(m protocol.Message) error {
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Send emits a fire-and-forget event.
func (c *Client) Send(event string, data any) error {
	return c.write(protocol.Message{Event: event, Data: data})
}

// roundTrip sends an id-tagged request and waits for the reply with the
// same id.
func (c *Client) roundTrip(ctx context.Context, event string, data any) (protocol.Envelope, error) {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(protocol.Message{Event: event, ID: id, Data: data}); err != nil {
		forget()
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		forget()
		return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrTimeout, event)
	case <-ctx.Done():
		forget()
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		forget()
		return protocol.Envelope{}, ErrClosed
	}
}

// Request sends an ack-style event. A failed ack becomes the matching
// domain error.
func (c *Client) Request(ctx context.Context, event string, data any) (protocol.Ack, error) {
	env, err := c.roundTrip(ctx, event, data)
	if err != nil {
		return protocol.Ack{}, err
	}
	var ack protocol.Ack
	if err := protocol.Unmarshal(env, &ack); err != nil {
		return protocol.Ack{}, err
	}
	if !ack.Success {
		return ack, AckError(ack)
	}
	return ack, nil
}

// AckError maps a failed ack onto the error taxonomy.
func AckError(ack protocol.Ack) error {
	if ack.Code == protocol.CodeBadPayload {
		return fmt.Errorf("%w: %s", protocol.ErrBadPayload, ack.Error)
	}
	kind := domain.FromCode(ack.Code)
	if kind == nil {
		return errors.New(ack.Error)
	}
	return fmt.Errorf("%w: %s", kind, ack.Error)
}

// Ping measures a round trip on the event channel.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.roundTrip(ctx, protocol.EventPing, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Join enters a space. Concurrent joins of the same space share one
// request.
func (c *Client) Join(ctx context.Context, space domain.SpaceID) (protocol.Ack, error) {
	c.mu.Lock()
	if call, ok := c.joins[space]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.ack, call.err
		case <-ctx.Done():
			return protocol.Ack{}, ctx.Err()
		}
	}
	call := &joinCall{done: make(chan struct{})}
	c.joins[space] = call
	c.mu.Unlock()

	call.ack, call.err = c.Request(ctx, protocol.EventJoin, protocol.SpacePayload{SpaceID: string(space)})
	close(call.done)

	c.mu.Lock()
	delete(c.joins, space)
	c.mu.Unlock()
	return call.ack, call.err
}

func (c *Client) space(ctx context.Context, event string, space domain.SpaceID) (protocol.Ack, error) {
	return c.Request(ctx, event, protocol.SpacePayload{SpaceID: string(space)})
}

func (c *Client) Leave(ctx context.Context, space domain.SpaceID) (protocol.Ack, error) {
	return c.space(ctx, protocol.EventLeave, space)
}

func (c *Client) Start(ctx context.Context, space domain.SpaceID) (protocol.Ack, error) {
	return c.space(ctx, protocol.EventStart, space)
}

func (c *Client) End(ctx context.Context, space domain.SpaceID) (protocol.Ack, error) {
	return c.space(ctx, protocol.EventEnd, space)
}

func (c *Client) Subscribe(ctx context.Context, space domain.SpaceID) (protocol.Ack, error) {
	return c.space(ctx, protocol.EventSubscribe, space)
}

func (c *Client) Unsubscribe(ctx context.Context, space domain.SpaceID) (protocol.Ack, error) {
	return c.space(ctx, protocol.EventUnsubscribe, space)
}

func (c *Client) DenyAll(ctx context.Context, space domain.SpaceID) (protocol.Ack, error) {
	return c.space(ctx, protocol.EventSpeakerDenyAll, space)
}

func (c *Client) moderate(ctx context.Context, event string, space domain.SpaceID, target domain.UserID) (protocol.Ack, error) {
	return c.Request(ctx, event, protocol.TargetPayload{SpaceID: string(space), TargetUserID: string(target)})
}

func (c *Client) Approve(ctx context.Context, space domain.SpaceID, target domain.UserID) (protocol.Ack, error) {
	return c.moderate(ctx, protocol.EventSpeakerApprove, space, target)
}

func (c *Client) Deny(ctx context.Context, space domain.SpaceID, target domain.UserID) (protocol.Ack, error) {
	return c.moderate(ctx, protocol.EventSpeakerDeny, space, target)
}

func (c *Client) Remove(ctx context.Context, space domain.SpaceID, target domain.UserID) (protocol.Ack, error) {
	return c.moderate(ctx, protocol.EventSpeakerRemove, space, target)
}

// RequestToSpeak raises a hand. It is fire-and-forget: the outcome shows
// up in the next participants update.
func (c *Client) RequestToSpeak(space domain.SpaceID) error {
	return c.Send(protocol.EventSpeakerRequest, protocol.SpacePayload{SpaceID: string(space)})
}

// Mute sets the caller's mute flag; target, when set, force-mutes another
// participant (host only). Fire-and-forget.
func (c *Client) Mute(space domain.SpaceID, target domain.UserID, muted bool) error {
	return c.Send(protocol.EventMute, protocol.MutePayload{
		SpaceID:      string(space),
		IsMuted:      &muted,
		TargetUserID: string(target),
	})
}
