package domain

import "time"

type Role string

const (
	RoleHost     Role = "host"
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// CanPublish reports whether the role is allowed to send audio.
func (r Role) CanPublish() bool {
	return r == RoleHost || r == RoleSpeaker
}

type Participant struct {
	UserID   UserID    `json:"userId"`
	Role     Role      `json:"role"`
	IsMuted  bool      `json:"isMuted"`
	JoinedAt time.Time `json:"joinedAt"`
}

type SpeakerRequest struct {
	UserID      UserID    `json:"userId"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Snapshot is the immutable view broadcast after every room mutation.
// Version grows by one per mutation of the room.
type Snapshot struct {
	SpaceID         SpaceID          `json:"spaceId"`
	Status          Status           `json:"status"`
	Host            UserID           `json:"host"`
	Version         uint64           `json:"version"`
	Participants    []Participant    `json:"participants"`
	PendingRequests []SpeakerRequest `json:"pendingRequests"`
	At              time.Time        `json:"at"`
}

// Participant returns the entry for uid, if present.
func (s Snapshot) Participant(uid UserID) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID == uid {
			return p, true
		}
	}
	return Participant{}, false
}

// Count returns participants per role.
func (s Snapshot) Count(role Role) int {
	n := 0
	for _, p := range s.Participants {
		if p.Role == role {
			n++
		}
	}
	return n
}

// HasRequest reports whether uid has a pending speaker request.
func (s Snapshot) HasRequest(uid UserID) bool {
	for _, r := range s.PendingRequests {
		if r.UserID == uid {
			return true
		}
	}
	return false
}

type ChangeKind string

const (
	ChangeCreated          ChangeKind = "created"
	ChangeStarted          ChangeKind = "started"
	ChangeEnded            ChangeKind = "ended"
	ChangeJoined           ChangeKind = "joined"
	ChangeLeft             ChangeKind = "left"
	ChangeSpeakerRequested ChangeKind = "speaker_requested"
	ChangeSpeakerApproved  ChangeKind = "speaker_approved"
	ChangeSpeakerDenied    ChangeKind = "speaker_denied"
	ChangeSpeakerRemoved   ChangeKind = "speaker_removed"
	ChangeMuted            ChangeKind = "muted"
)

// Change describes one committed mutation. Targets lists the users the
// change is addressed to (e.g. every denied requester for a bulk deny).
// Promoted is set on a leave that handed the host role to someone else.
type Change struct {
	Kind     ChangeKind
	SpaceID  SpaceID
	Actor    UserID
	Targets  []UserID
	Muted    bool
	Removed  []UserID
	Promoted UserID
	Space    Space
	Snapshot Snapshot
}
