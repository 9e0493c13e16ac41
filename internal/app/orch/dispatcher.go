package orch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/app"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/metrics"
	"github.com/dkeye/spaces/internal/protocol"
	"github.com/dkeye/spaces/internal/ratelimit"
)

// MediaGate couples room state to the server-side audio relay.
type MediaGate interface {
	// Gate turns forwarding of the user's audio on or off.
	Gate(space domain.SpaceID, user domain.UserID, publish bool)
	// Evict drops the user's media session in space.
	Evict(space domain.SpaceID, user domain.UserID)
}

// SpeakChecker decides whether a user may raise a hand in a space.
type SpeakChecker interface {
	MayRequest(ctx context.Context, space domain.Space, uid domain.UserID) (bool, error)
}

// SpaceLoader resolves spaces that are persisted but not held in memory.
type SpaceLoader interface {
	GetSpace(ctx context.Context, id domain.SpaceID) (domain.Space, error)
}

type Persister interface {
	Enqueue(domain.Change) bool
}

// Dispatcher routes event-channel traffic into the registry and fans the
// resulting changes back out. It is the registry's Emitter.
type Dispatcher struct {
	Registry *core.Registry
	Conns    *app.ConnectionRegistry
	Channel  core.EventChannel
	Limiter  *ratelimit.Limiter
	Policy   app.Policy
	Speak    SpeakChecker
	Persist  Persister
	Media    MediaGate
	Loader   SpaceLoader
	Metrics  *metrics.Metrics
}

// Attach subscribes the dispatcher to the channel's connection lifecycle.
func (d *Dispatcher) Attach(ch core.EventChannel) {
	d.Channel = ch
	ch.OnOpen(d.OnOpen)
	ch.OnMessage(d.OnMessage)
	ch.OnClose(d.OnClose)
}

func (d *Dispatcher) OnOpen(conn core.ConnID, user domain.UserID) {
	d.Conns.Bind(conn, user, func() { d.Channel.Disconnect(conn) })
	d.Metrics.ConnOpened()
	log.Info().Str("module", "orch").Str(logging.FieldConnID, string(conn)).Str(logging.FieldUserID, string(user)).Msg("connection opened")
}

// OnMessage handles one inbound frame. It runs on the connection's reader
// goroutine, so a connection's events are applied in the order sent.
func (d *Dispatcher) OnMessage(conn core.ConnID, frame core.Frame) {
	start := time.Now()
	env, err := protocol.Decode(frame)
	if err != nil {
		d.Metrics.Event("unknown", metrics.OutcomeInvalid)
		log.Debug().Err(err).Str("module", "orch").Str(logging.FieldConnID, string(conn)).Msg("dropping malformed frame")
		return
	}
	if d.Limiter != nil && !d.Limiter.Allow(string(conn), env.Event) {
		d.Metrics.Event(env.Event, metrics.OutcomeLimited)
		log.Debug().Str("module", "orch").Str(logging.FieldConnID, string(conn)).Str(logging.FieldEvent, env.Event).Msg("rate limited")
		return
	}
	uid, ok := d.Conns.User(conn)
	if !ok {
		return
	}

	logger := log.With().
		Str(logging.FieldModule, "orch").
		Str(logging.FieldConnID, string(conn)).
		Str(logging.FieldUserID, string(uid)).
		Str(logging.FieldEvent, env.Event).
		Logger()
	ctx := logging.WithLogger(context.Background(), logger)

	ack, err := d.handle(ctx, conn, uid, env)
	switch {
	case err == nil:
		d.Metrics.Event(env.Event, metrics.OutcomeAccepted)
	case domain.Code(err) == "INTERNAL" && !errors.Is(err, protocol.ErrBadPayload):
		d.Metrics.Event(env.Event, metrics.OutcomeFailed)
		logger.Error().Err(err).Msg("event failed")
	default:
		d.Metrics.Event(env.Event, metrics.OutcomeInvalid)
		logger.Debug().Err(err).Msg("event rejected")
	}
	d.Metrics.Handled(env.Event, time.Since(start))

	if !protocol.RequiresAck(env.Event) || env.ID == "" {
		return
	}
	if err != nil {
		ack = protocol.ErrorAck(err)
	}
	d.reply(conn, env.ID, ack)
}

// OnClose forgets the connection and leaves every space it joined, unless
// the same user is still present there through another connection.
func (d *Dispatcher) OnClose(conn core.ConnID) {
	if d.Limiter != nil {
		d.Limiter.Forget(string(conn))
	}
	user, joined, ok := d.Conns.Unbind(conn)
	if !ok {
		return
	}
	d.Metrics.ConnClosed()
	for _, space := range joined {
		if d.Conns.JoinedElsewhere(conn, user, space) {
			continue
		}
		if _, err := d.Registry.Leave(space, user); err != nil {
			log.Debug().Err(err).Str("module", "orch").Str(logging.FieldSpaceID, string(space)).Str(logging.FieldUserID, string(user)).Msg("synthesized leave skipped")
		}
	}
	log.Info().Str("module", "orch").Str(logging.FieldConnID, string(conn)).Int("left", len(joined)).Msg("connection closed")
}

func (d *Dispatcher) reply(conn core.ConnID, id string, ack protocol.Ack) {
	frame, err := protocol.Encode(protocol.Message{Event: protocol.EventAck, ID: id, Data: ack})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode ack")
		return
	}
	if err := d.Channel.Send(conn, frame); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str(logging.FieldConnID, string(conn)).Msg("ack not delivered")
	}
}

// ensure hydrates a persisted space on first touch.
func (d *Dispatcher) ensure(ctx context.Context, id domain.SpaceID) error {
	if d.Registry.Known(id) || d.Loader == nil {
		return nil
	}
	space, err := d.Loader.GetSpace(ctx, id)
	if err != nil {
		return err
	}
	d.Registry.Hydrate(space)
	return nil
}
