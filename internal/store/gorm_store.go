package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/logging"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetSpace(ctx context.Context, id domain.SpaceID) (domain.Space, error) {
	var m SpaceModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Space{}, domain.Errorf(domain.ErrRoomNotFound, "space %s", id)
		}
		logging.Ctx(ctx).Error().Err(err).Str(logging.FieldSpaceID, string(id)).Msg("failed to get space")
		return domain.Space{}, err
	}
	return m.ToDomain(), nil
}

func (s *GormStore) ListSpaces(ctx context.Context, status domain.Status, limit int) ([]domain.Space, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Model(&SpaceModel{})
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var models []SpaceModel
	if err := q.Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("failed to list spaces")
		return nil, err
	}
	out := make([]domain.Space, len(models))
	for i := range models {
		out[i] = models[i].ToDomain()
	}
	return out, nil
}

func (s *GormStore) CreateSpace(ctx context.Context, space domain.Space) error {
	return s.db.WithContext(ctx).Create(SpaceToModel(space)).Error
}

func (s *GormStore) StartSpace(ctx context.Context, space domain.Space) error {
	return s.updates(ctx, space.ID, map[string]any{
		"status":     string(space.Status),
		"started_at": space.StartedAt,
	})
}

func (s *GormStore) EndSpace(ctx context.Context, space domain.Space) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&SpaceModel{}).Where("id = ?", string(space.ID)).Updates(map[string]any{
			"status":         string(space.Status),
			"ended_at":       space.EndedAt,
			"peak_listeners": space.Stats.PeakListeners,
			"total_joined":   space.Stats.TotalJoined,
		}).Error
		if err != nil {
			return err
		}
		at := time.Now()
		if space.EndedAt != nil {
			at = *space.EndedAt
		}
		return tx.Model(&ParticipationModel{}).
			Where("space_id = ? AND left_at IS NULL", string(space.ID)).
			Update("left_at", at).Error
	})
}

func (s *GormStore) UpdateSpace(ctx context.Context, space domain.Space) error {
	return s.updates(ctx, space.ID, map[string]any{
		"host_id":        string(space.Host),
		"peak_listeners": space.Stats.PeakListeners,
		"total_joined":   space.Stats.TotalJoined,
	})
}

func (s *GormStore) updates(ctx context.Context, id domain.SpaceID, cols map[string]any) error {
	res := s.db.WithContext(ctx).Model(&SpaceModel{}).Where("id = ?", string(id)).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Errorf(domain.ErrRoomNotFound, "space %s", id)
	}
	return nil
}

func (s *GormStore) JoinSpace(ctx context.Context, id domain.SpaceID, p domain.Participant) error {
	return s.db.WithContext(ctx).Create(&ParticipationModel{
		SpaceID:  string(id),
		UserID:   string(p.UserID),
		Role:     string(p.Role),
		JoinedAt: p.JoinedAt,
	}).Error
}

func (s *GormStore) LeaveSpace(ctx context.Context, id domain.SpaceID, uid domain.UserID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&ParticipationModel{}).
		Where("space_id = ? AND user_id = ? AND left_at IS NULL", string(id), string(uid)).
		Update("left_at", at).Error
}

func (s *GormStore) Follow(ctx context.Context, follower, followee domain.UserID) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&FollowModel{
		FollowerID: string(follower),
		FolloweeID: string(followee),
	}).Error
}

func (s *GormStore) IsFollower(ctx context.Context, follower, followee domain.UserID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&FollowModel{}).
		Where("follower_id = ? AND followee_id = ?", string(follower), string(followee)).
		Count(&n).Error
	return n > 0, err
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
