package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/app"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/protocol"
)

// Emit fans a committed change out to the room. It runs inside the room's
// critical section: everything here only enqueues and never takes another
// room's lock.
func (d *Dispatcher) Emit(c domain.Change) {
	ts := protocol.Millis(c.Snapshot.At)
	notice := protocol.SpaceNotice{SpaceID: string(c.SpaceID), Timestamp: ts}

	switch c.Kind {
	case domain.ChangeStarted:
		d.broadcast(c.SpaceID, protocol.EventSpaceStarted, notice)
	case domain.ChangeEnded:
		d.broadcast(c.SpaceID, protocol.EventSpaceEnded, notice)
	case domain.ChangeJoined:
		d.broadcast(c.SpaceID, protocol.EventUserJoined, protocol.UserPresence{UserID: string(c.Actor), SpaceID: string(c.SpaceID)})
	case domain.ChangeLeft:
		d.broadcast(c.SpaceID, protocol.EventUserLeft, protocol.UserPresence{UserID: string(c.Actor), SpaceID: string(c.SpaceID)})
	case domain.ChangeSpeakerRequested:
		d.sendUsers(c.SpaceID, c.Targets, protocol.EventSpeakerRequestReceived, protocol.SpeakerRequestReceived{
			SpaceID:   string(c.SpaceID),
			UserID:    string(c.Actor),
			Timestamp: ts,
		})
	case domain.ChangeSpeakerApproved:
		d.sendUsers(c.SpaceID, c.Targets, protocol.EventSpeakerApproved, notice)
	case domain.ChangeSpeakerDenied:
		d.sendUsers(c.SpaceID, c.Targets, protocol.EventSpeakerDenied, notice)
	case domain.ChangeSpeakerRemoved:
		d.sendUsers(c.SpaceID, c.Targets, protocol.EventSpeakerRemoved, notice)
	case domain.ChangeMuted:
		for _, uid := range c.Targets {
			d.broadcast(c.SpaceID, protocol.EventParticipantMute, protocol.ParticipantMute{
				SpaceID:   string(c.SpaceID),
				UserID:    string(uid),
				IsMuted:   c.Muted,
				Timestamp: ts,
			})
		}
	}

	if c.Kind != domain.ChangeCreated {
		d.broadcast(c.SpaceID, protocol.EventParticipantsUpdate, protocol.NewParticipantsUpdate(c.Snapshot))
	}
	d.gate(c)

	if c.Kind == domain.ChangeEnded {
		d.Conns.ForgetJoins(c.SpaceID, c.Removed)
	}
	if d.Persist != nil {
		d.Persist.Enqueue(c)
	}
}

// gate mirrors roles and mute flags onto the audio relay.
func (d *Dispatcher) gate(c domain.Change) {
	if d.Media == nil {
		return
	}
	switch c.Kind {
	case domain.ChangeLeft:
		d.Media.Evict(c.SpaceID, c.Actor)
	case domain.ChangeEnded:
		for _, uid := range c.Removed {
			d.Media.Evict(c.SpaceID, uid)
		}
		return
	case domain.ChangeCreated, domain.ChangeSpeakerRequested, domain.ChangeSpeakerDenied:
		return
	}
	for _, p := range c.Snapshot.Participants {
		d.Media.Gate(c.SpaceID, p.UserID, p.Role.CanPublish() && !p.IsMuted)
	}
}

func (d *Dispatcher) broadcast(space domain.SpaceID, event string, data any) {
	frame, err := protocol.Encode(protocol.Message{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str(logging.FieldEvent, event).Msg("encode broadcast")
		return
	}
	res := d.Channel.Broadcast(space, frame)
	d.backpressure(space, res.Dropped)
}

func (d *Dispatcher) sendUsers(space domain.SpaceID, users []domain.UserID, event string, data any) {
	frame, err := protocol.Encode(protocol.Message{Event: event, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str(logging.FieldEvent, event).Msg("encode targeted event")
		return
	}
	var dropped []core.ConnID
	for _, uid := range users {
		for _, conn := range d.Conns.ConnsOf(space, uid) {
			if err := d.Channel.Send(conn, frame); errors.Is(err, core.ErrBackpressure) {
				dropped = append(dropped, conn)
			}
		}
	}
	d.backpressure(space, dropped)
}

func (d *Dispatcher) backpressure(space domain.SpaceID, dropped []core.ConnID) {
	if len(dropped) == 0 {
		return
	}
	d.Metrics.Dropped(len(dropped))
	if d.Policy == nil {
		return
	}
	for _, conn := range dropped {
		switch d.Policy.OnBackPressure(space, conn) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str(logging.FieldSpaceID, string(space)).Str(logging.FieldConnID, string(conn)).Msg("slow consumer disconnected")
			d.Conns.Cancel(conn)
		case app.DropFrame, app.NoAction:
		}
	}
}
