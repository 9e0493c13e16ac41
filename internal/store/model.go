package store

import (
	"database/sql/driver"
	"errors"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dkeye/spaces/internal/domain"
)

// UserIDs is stored as a JSON text column on every driver.
type UserIDs []string

func (a *UserIDs) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("UserIDs: unsupported scan type")
	}
	if len(data) == 0 {
		*a = nil
		return nil
	}
	return sonic.Unmarshal(data, a)
}

func (a UserIDs) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	data, err := sonic.Marshal([]string(a))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (UserIDs) GormDataType() string { return "text" }

type SpaceModel struct {
	ID                string  `gorm:"type:varchar(64);primaryKey"`
	Title             string  `gorm:"type:varchar(200);not null"`
	Topic             string  `gorm:"type:varchar(200)"`
	Status            string  `gorm:"type:varchar(16);index;not null"`
	HostID            string  `gorm:"type:varchar(64);not null"`
	CreatorID         string  `gorm:"type:varchar(64);index;not null"`
	SpeakerPermission string  `gorm:"type:varchar(16);not null"`
	Invited           UserIDs `gorm:"type:text"`
	MaxParticipants   int
	PeakListeners     int
	TotalJoined       int
	ScheduledStart    *time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time
	CreatedAt         time.Time
}

func (SpaceModel) TableName() string { return "spaces" }

func (m *SpaceModel) ToDomain() domain.Space {
	invited := make([]domain.UserID, 0, len(m.Invited))
	for _, u := range m.Invited {
		invited = append(invited, domain.UserID(u))
	}
	return domain.Space{
		ID:                domain.SpaceID(m.ID),
		Title:             m.Title,
		Topic:             m.Topic,
		Status:            domain.Status(m.Status),
		Host:              domain.UserID(m.HostID),
		Creator:           domain.UserID(m.CreatorID),
		SpeakerPermission: domain.SpeakerPermission(m.SpeakerPermission),
		Invited:           invited,
		MaxParticipants:   m.MaxParticipants,
		Stats:             domain.Stats{PeakListeners: m.PeakListeners, TotalJoined: m.TotalJoined},
		ScheduledStart:    m.ScheduledStart,
		StartedAt:         m.StartedAt,
		EndedAt:           m.EndedAt,
		CreatedAt:         m.CreatedAt,
	}
}

func SpaceToModel(s domain.Space) *SpaceModel {
	invited := make(UserIDs, 0, len(s.Invited))
	for _, u := range s.Invited {
		invited = append(invited, string(u))
	}
	return &SpaceModel{
		ID:                string(s.ID),
		Title:             s.Title,
		Topic:             s.Topic,
		Status:            string(s.Status),
		HostID:            string(s.Host),
		CreatorID:         string(s.Creator),
		SpeakerPermission: string(s.SpeakerPermission),
		Invited:           invited,
		MaxParticipants:   s.MaxParticipants,
		PeakListeners:     s.Stats.PeakListeners,
		TotalJoined:       s.Stats.TotalJoined,
		ScheduledStart:    s.ScheduledStart,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
		CreatedAt:         s.CreatedAt,
	}
}

// ParticipationModel records one stay of a user in a space.
type ParticipationModel struct {
	ID       uint   `gorm:"primaryKey"`
	SpaceID  string `gorm:"type:varchar(64);index;not null"`
	UserID   string `gorm:"type:varchar(64);index;not null"`
	Role     string `gorm:"type:varchar(16);not null"`
	JoinedAt time.Time
	LeftAt   *time.Time
}

func (ParticipationModel) TableName() string { return "space_participations" }

type FollowModel struct {
	FollowerID string `gorm:"type:varchar(64);primaryKey"`
	FolloweeID string `gorm:"type:varchar(64);primaryKey"`
	CreatedAt  time.Time
}

func (FollowModel) TableName() string { return "follows" }
