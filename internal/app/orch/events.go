package orch

import (
	"context"

	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/protocol"
)

func (d *Dispatcher) handle(ctx context.Context, conn core.ConnID, uid domain.UserID, env protocol.Envelope) (protocol.Ack, error) {
	switch env.Event {
	case protocol.EventPing:
		d.pong(conn, env.ID)
		return protocol.Ack{Success: true}, nil

	case protocol.EventJoin:
		var p protocol.SpacePayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		return d.join(ctx, conn, uid, domain.SpaceID(p.SpaceID))

	case protocol.EventLeave:
		var p protocol.SpacePayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		id := domain.SpaceID(p.SpaceID)
		snap, err := d.Registry.Leave(id, uid)
		if err != nil {
			return protocol.Ack{}, err
		}
		d.Conns.MarkLeft(conn, id)
		return protocol.Ack{Success: true, Version: snap.Version}, nil

	case protocol.EventStart, protocol.EventEnd, protocol.EventSpeakerDenyAll:
		var p protocol.SpacePayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		id := domain.SpaceID(p.SpaceID)
		if err := d.ensure(ctx, id); err != nil {
			return protocol.Ack{}, err
		}
		var (
			snap domain.Snapshot
			err  error
		)
		switch env.Event {
		case protocol.EventStart:
			snap, err = d.Registry.StartRoom(id, uid)
		case protocol.EventEnd:
			snap, err = d.Registry.EndRoom(id, uid)
		default:
			snap, err = d.Registry.DenyAllSpeakers(id, uid)
		}
		if err != nil {
			return protocol.Ack{}, err
		}
		return d.snapshotAck(snap, uid), nil

	case protocol.EventSubscribe:
		var p protocol.SpacePayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		id := domain.SpaceID(p.SpaceID)
		if err := d.ensure(ctx, id); err != nil {
			return protocol.Ack{}, err
		}
		snap, err := d.Registry.Snapshot(id)
		if err != nil {
			return protocol.Ack{}, err
		}
		d.Conns.Subscribe(conn, id)
		return d.snapshotAck(snap, uid), nil

	case protocol.EventUnsubscribe:
		var p protocol.SpacePayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		d.Conns.Unsubscribe(conn, domain.SpaceID(p.SpaceID))
		return protocol.Ack{Success: true}, nil

	case protocol.EventMute:
		var p protocol.MutePayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		snap, err := d.Registry.SetMute(domain.SpaceID(p.SpaceID), uid, domain.UserID(p.TargetUserID), *p.IsMuted)
		if err != nil {
			return protocol.Ack{}, err
		}
		return d.snapshotAck(snap, uid), nil

	case protocol.EventSpeakerRequest:
		var p protocol.SpacePayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		return d.requestToSpeak(ctx, uid, domain.SpaceID(p.SpaceID))

	case protocol.EventSpeakerApprove, protocol.EventSpeakerDeny, protocol.EventSpeakerRemove:
		var p protocol.TargetPayload
		if err := protocol.Bind(env, &p); err != nil {
			return protocol.Ack{}, err
		}
		id, target := domain.SpaceID(p.SpaceID), domain.UserID(p.TargetUserID)
		var (
			snap domain.Snapshot
			err  error
		)
		switch env.Event {
		case protocol.EventSpeakerApprove:
			snap, err = d.Registry.ApproveSpeaker(id, uid, target)
		case protocol.EventSpeakerDeny:
			snap, err = d.Registry.DenySpeaker(id, uid, target)
		default:
			snap, err = d.Registry.RemoveSpeaker(id, uid, target)
		}
		if err != nil {
			return protocol.Ack{}, err
		}
		return d.snapshotAck(snap, uid), nil
	}

	logging.Ctx(ctx).Debug().Msg("unknown event")
	return protocol.Ack{}, domain.Errorf(domain.ErrNotAllowed, "unknown event %q", env.Event)
}

// join subscribes the connection before the registry commits, so the joiner
// receives the very snapshot its join produced.
func (d *Dispatcher) join(ctx context.Context, conn core.ConnID, uid domain.UserID, id domain.SpaceID) (protocol.Ack, error) {
	if err := d.ensure(ctx, id); err != nil {
		return protocol.Ack{}, err
	}
	added := d.Conns.Subscribe(conn, id)
	p, snap, err := d.Registry.Join(id, uid)
	if err == nil {
		d.Conns.MarkJoined(conn, id)
	}
	if added {
		d.Conns.Unsubscribe(conn, id)
	}
	if err != nil {
		return protocol.Ack{}, err
	}
	logging.Ctx(ctx).Info().Str(logging.FieldSpaceID, string(id)).Str("role", string(p.Role)).Msg("joined")
	return protocol.Ack{
		Success:      true,
		Participants: snap.Participants,
		MyRole:       p.Role,
		Version:      snap.Version,
	}, nil
}

// requestToSpeak checks the space's speaker permission outside the room lock.
func (d *Dispatcher) requestToSpeak(ctx context.Context, uid domain.UserID, id domain.SpaceID) (protocol.Ack, error) {
	if d.Speak != nil {
		space, err := d.Registry.Space(id)
		if err != nil {
			return protocol.Ack{}, err
		}
		ok, err := d.Speak.MayRequest(ctx, space, uid)
		if err != nil {
			return protocol.Ack{}, err
		}
		if !ok {
			return protocol.Ack{}, domain.Errorf(domain.ErrPermissionDenied, "space %s admits %s speakers", id, space.SpeakerPermission)
		}
	}
	snap, err := d.Registry.RequestToSpeak(id, uid)
	if err != nil {
		return protocol.Ack{}, err
	}
	return d.snapshotAck(snap, uid), nil
}

func (d *Dispatcher) snapshotAck(snap domain.Snapshot, uid domain.UserID) protocol.Ack {
	ack := protocol.Ack{Success: true, Participants: snap.Participants, Version: snap.Version}
	if p, ok := snap.Participant(uid); ok {
		ack.MyRole = p.Role
	}
	return ack
}

func (d *Dispatcher) pong(conn core.ConnID, id string) {
	frame, err := protocol.Encode(protocol.Message{Event: protocol.EventPong, ID: id})
	if err != nil {
		return
	}
	_ = d.Channel.Send(conn, frame)
}
