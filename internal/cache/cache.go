// Package cache keeps a short-lived summary of every live space so list and
// lookup endpoints can show counts without touching the registry lock.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/spaces/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

type Summary struct {
	SpaceID          domain.SpaceID `json:"spaceId"`
	Status           domain.Status  `json:"status"`
	Host             domain.UserID  `json:"host"`
	ParticipantCount int            `json:"participantCount"`
	SpeakerCount     int            `json:"speakerCount"`
	Version          uint64         `json:"version"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// SummaryOf derives the cached summary from a snapshot.
func SummaryOf(s domain.Snapshot) Summary {
	return Summary{
		SpaceID:          s.SpaceID,
		Status:           s.Status,
		Host:             s.Host,
		ParticipantCount: len(s.Participants),
		SpeakerCount:     s.Count(domain.RoleSpeaker) + s.Count(domain.RoleHost),
		Version:          s.Version,
		UpdatedAt:        s.At,
	}
}

type SummaryCache interface {
	Get(ctx context.Context, id domain.SpaceID) (Summary, error)
	Set(ctx context.Context, s Summary) error
	Delete(ctx context.Context, ids ...domain.SpaceID) error
	Close() error
}

// Nop never stores anything; every Get misses.
type Nop struct{}

func (Nop) Get(context.Context, domain.SpaceID) (Summary, error) { return Summary{}, ErrCacheMiss }
func (Nop) Set(context.Context, Summary) error                   { return nil }
func (Nop) Delete(context.Context, ...domain.SpaceID) error      { return nil }
func (Nop) Close() error                                         { return nil }
