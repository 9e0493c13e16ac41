package client

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/protocol"
)

// Observer consumes the participant view of one space.
type Observer interface {
	Observe(domain.Snapshot)
}

// SnapshotOf rebuilds a snapshot from its broadcast form.
func SnapshotOf(u protocol.ParticipantsUpdate) domain.Snapshot {
	s := domain.Snapshot{
		SpaceID:      domain.SpaceID(u.SpaceID),
		Status:       u.Status,
		Version:      u.Version,
		Participants: u.Participants,
	}
	if u.Timestamp > 0 {
		s.At = time.UnixMilli(u.Timestamp)
	}
	for _, p := range u.Participants {
		if p.Role == domain.RoleHost {
			s.Host = p.UserID
		}
	}
	return s
}

// Watch feeds participants updates of space newer than version since into
// obs, skipping stale versions, until ctx ends or the connection closes.
// Every envelope is also passed to tap when set.
func Watch(ctx context.Context, c *Client, space domain.SpaceID, since uint64, obs Observer, tap func(protocol.Envelope)) {
	last := since
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-c.Events():
			if !ok {
				return
			}
			if tap != nil {
				tap(env)
			}
			if env.Event != protocol.EventParticipantsUpdate {
				continue
			}
			var u protocol.ParticipantsUpdate
			if err := protocol.Unmarshal(env, &u); err != nil {
				log.Debug().Err(err).Str("module", "client").Msg("bad participants update")
				continue
			}
			if domain.SpaceID(u.SpaceID) != space || (u.Version <= last && last != 0) {
				continue
			}
			last = u.Version
			obs.Observe(SnapshotOf(u))
		}
	}
}
