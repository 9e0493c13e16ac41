package app

import (
	"context"

	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a connection whose send queue is full.
type Policy interface {
	OnBackPressure(space domain.SpaceID, conn core.ConnID) BackpressureAction
}

// SimplePolicy disconnects slow consumers; the disconnect synthesizes their
// leave, and a reconnecting client recovers from the next snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.SpaceID, core.ConnID) BackpressureAction {
	return KickMember
}

// FollowChecker answers follower-graph questions for the speak policy.
type FollowChecker interface {
	IsFollower(ctx context.Context, follower, followee domain.UserID) (bool, error)
}

// SpeakPolicy gates speaker requests by the space's speakerPermission.
type SpeakPolicy struct {
	Follows FollowChecker
}

// MayRequest reports whether uid may ask to speak in space.
func (p SpeakPolicy) MayRequest(ctx context.Context, space domain.Space, uid domain.UserID) (bool, error) {
	if uid == space.Host || uid == space.Creator {
		return true, nil
	}
	switch space.SpeakerPermission {
	case domain.SpeakEveryone, "":
		return true, nil
	case domain.SpeakInvited:
		return space.IsInvited(uid), nil
	case domain.SpeakFollowers:
		if p.Follows == nil {
			return false, nil
		}
		return p.Follows.IsFollower(ctx, uid, space.Host)
	}
	return false, nil
}
