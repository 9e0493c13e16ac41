package protocol

import (
	"errors"
	"time"

	"github.com/dkeye/spaces/internal/domain"
)

// SpacePayload carries only the room id (join, leave, start, end,
// subscribe, speaker:request, speaker:deny:all).
type SpacePayload struct {
	SpaceID string `json:"spaceId" validate:"required,max=64"`
}

type MutePayload struct {
	SpaceID      string `json:"spaceId" validate:"required,max=64"`
	IsMuted      *bool  `json:"isMuted" validate:"required"`
	TargetUserID string `json:"targetUserId,omitempty" validate:"omitempty,max=64"`
}

// TargetPayload is used by host moderation events.
type TargetPayload struct {
	SpaceID      string `json:"spaceId" validate:"required,max=64"`
	TargetUserID string `json:"targetUserId" validate:"required,max=64"`
}

type Ack struct {
	Success      bool                 `json:"success"`
	Participants []domain.Participant `json:"participants,omitempty"`
	MyRole       domain.Role          `json:"myRole,omitempty"`
	Version      uint64               `json:"version,omitempty"`
	Error        string               `json:"error,omitempty"`
	Code         string               `json:"code,omitempty"`
}

// CodeBadPayload is the ack code of a request that failed validation.
const CodeBadPayload = "BAD_PAYLOAD"

// ErrorAck builds a failed ack from a registry or validation error.
func ErrorAck(err error) Ack {
	code := domain.Code(err)
	if errors.Is(err, ErrBadPayload) {
		code = CodeBadPayload
	}
	return Ack{Success: false, Error: err.Error(), Code: code}
}

type ParticipantsUpdate struct {
	SpaceID      string               `json:"spaceId"`
	Participants []domain.Participant `json:"participants"`
	Count        int                  `json:"count"`
	Status       domain.Status        `json:"status"`
	Version      uint64               `json:"version"`
	Timestamp    int64                `json:"timestamp"`
}

// NewParticipantsUpdate flattens a snapshot into its broadcast form.
func NewParticipantsUpdate(s domain.Snapshot) ParticipantsUpdate {
	participants := s.Participants
	if participants == nil {
		participants = []domain.Participant{}
	}
	return ParticipantsUpdate{
		SpaceID:      string(s.SpaceID),
		Participants: participants,
		Count:        len(participants),
		Status:       s.Status,
		Version:      s.Version,
		Timestamp:    Millis(s.At),
	}
}

type ParticipantMute struct {
	SpaceID   string `json:"spaceId"`
	UserID    string `json:"userId"`
	IsMuted   bool   `json:"isMuted"`
	Timestamp int64  `json:"timestamp"`
}

type SpeakerRequestReceived struct {
	SpaceID   string `json:"spaceId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// SpaceNotice is the body of speaker:approved|denied|removed and
// space:started|ended.
type SpaceNotice struct {
	SpaceID   string `json:"spaceId"`
	Timestamp int64  `json:"timestamp"`
}

type UserPresence struct {
	UserID  string `json:"userId"`
	SpaceID string `json:"spaceId"`
}

// Millis renders t the way every timestamp on the wire is rendered.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
