package domain

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type SpaceID string

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
)

// CanTransition reports whether moving from s to next respects the
// scheduled -> live -> ended order (scheduled -> ended is a cancel).
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusScheduled:
		return next == StatusLive || next == StatusEnded
	case StatusLive:
		return next == StatusEnded
	default:
		return false
	}
}

type SpeakerPermission string

const (
	SpeakEveryone  SpeakerPermission = "everyone"
	SpeakFollowers SpeakerPermission = "followers"
	SpeakInvited   SpeakerPermission = "invited"
)

func (p SpeakerPermission) Valid() bool {
	switch p {
	case SpeakEveryone, SpeakFollowers, SpeakInvited:
		return true
	}
	return false
}

type Stats struct {
	PeakListeners int `json:"peakListeners"`
	TotalJoined   int `json:"totalJoined"`
}

// Space is the room record. Values of this type are copies; the registry
// owns the live one.
type Space struct {
	ID                SpaceID           `json:"id"`
	Title             string            `json:"title"`
	Topic             string            `json:"topic,omitempty"`
	Status            Status            `json:"status"`
	Host              UserID            `json:"host"`
	Creator           UserID            `json:"creator"`
	SpeakerPermission SpeakerPermission `json:"speakerPermission"`
	Invited           []UserID          `json:"invited,omitempty"`
	MaxParticipants   int               `json:"maxParticipants"`
	Stats             Stats             `json:"stats"`
	ScheduledStart    *time.Time        `json:"scheduledStart,omitempty"`
	StartedAt         *time.Time        `json:"startedAt,omitempty"`
	EndedAt           *time.Time        `json:"endedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// IsInvited reports whether uid is on the invite list.
func (s *Space) IsInvited(uid UserID) bool {
	for _, id := range s.Invited {
		if id == uid {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand across the room boundary.
func (s Space) Clone() Space {
	out := s
	if s.Invited != nil {
		out.Invited = append([]UserID(nil), s.Invited...)
	}
	out.ScheduledStart = cloneTime(s.ScheduledStart)
	out.StartedAt = cloneTime(s.StartedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SpaceSpec is the input of room creation.
type SpaceSpec struct {
	Title             string
	Topic             string
	Host              UserID
	SpeakerPermission SpeakerPermission
	Invited           []UserID
	MaxParticipants   int
	ScheduledStart    *time.Time
}

// Validate normalizes the spec in place and reports ErrInvalidSpec.
func (s *SpaceSpec) Validate() error {
	s.Title = strings.TrimSpace(s.Title)
	if s.Title == "" {
		return Errorf(ErrInvalidSpec, "title is empty")
	}
	if !s.Host.Valid() {
		return Errorf(ErrInvalidSpec, "host is invalid")
	}
	if s.SpeakerPermission == "" {
		s.SpeakerPermission = SpeakEveryone
	}
	if !s.SpeakerPermission.Valid() {
		return Errorf(ErrInvalidSpec, "unknown speaker permission %q", s.SpeakerPermission)
	}
	if s.MaxParticipants < 0 {
		return Errorf(ErrInvalidSpec, "max participants is negative")
	}
	return nil
}

// NewSpaceID returns a time-sortable identifier.
func NewSpaceID() SpaceID {
	return SpaceID(ulid.MustNew(ulid.Now(), rand.Reader).String())
}
