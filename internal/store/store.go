// Package store persists spaces, participations and the follow graph.
package store

import (
	"context"
	"time"

	"github.com/dkeye/spaces/internal/domain"
)

// SpaceStore is the document-store collaborator of the coordinator. The
// registry stays authoritative while a space is in memory; the store is
// written behind it and read on startup and for cold lookups.
type SpaceStore interface {
	GetSpace(ctx context.Context, id domain.SpaceID) (domain.Space, error)
	ListSpaces(ctx context.Context, status domain.Status, limit int) ([]domain.Space, error)
	CreateSpace(ctx context.Context, space domain.Space) error
	StartSpace(ctx context.Context, space domain.Space) error
	EndSpace(ctx context.Context, space domain.Space) error
	// UpdateSpace stores host and stats changes.
	UpdateSpace(ctx context.Context, space domain.Space) error
	JoinSpace(ctx context.Context, id domain.SpaceID, p domain.Participant) error
	LeaveSpace(ctx context.Context, id domain.SpaceID, uid domain.UserID, at time.Time) error
	Follow(ctx context.Context, follower, followee domain.UserID) error
	IsFollower(ctx context.Context, follower, followee domain.UserID) (bool, error)
	Close() error
}
