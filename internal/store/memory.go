package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/spaces/internal/domain"
)

// Memory is a SpaceStore for deployments without a database.
type Memory struct {
	mu      sync.RWMutex
	spaces  map[domain.SpaceID]domain.Space
	stays   map[domain.SpaceID][]stay
	follows map[[2]domain.UserID]struct{}
}

type stay struct {
	domain.Participant
	LeftAt *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		spaces:  make(map[domain.SpaceID]domain.Space),
		stays:   make(map[domain.SpaceID][]stay),
		follows: make(map[[2]domain.UserID]struct{}),
	}
}

func (m *Memory) GetSpace(_ context.Context, id domain.SpaceID) (domain.Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.spaces[id]
	if !ok {
		return domain.Space{}, domain.Errorf(domain.ErrRoomNotFound, "space %s", id)
	}
	return sp.Clone(), nil
}

func (m *Memory) ListSpaces(_ context.Context, status domain.Status, limit int) ([]domain.Space, error) {
	m.mu.RLock()
	out := make([]domain.Space, 0, len(m.spaces))
	for _, sp := range m.spaces {
		if status == "" || sp.Status == status {
			out = append(out, sp.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateSpace(_ context.Context, space domain.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[space.ID] = space.Clone()
	return nil
}

func (m *Memory) put(space domain.Space) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[space.ID]; !ok {
		return domain.Errorf(domain.ErrRoomNotFound, "space %s", space.ID)
	}
	m.spaces[space.ID] = space.Clone()
	return nil
}

func (m *Memory) StartSpace(_ context.Context, space domain.Space) error  { return m.put(space) }
func (m *Memory) UpdateSpace(_ context.Context, space domain.Space) error { return m.put(space) }

func (m *Memory) EndSpace(_ context.Context, space domain.Space) error {
	if err := m.put(space); err != nil {
		return err
	}
	at := time.Now()
	if space.EndedAt != nil {
		at = *space.EndedAt
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stays[space.ID] {
		if m.stays[space.ID][i].LeftAt == nil {
			m.stays[space.ID][i].LeftAt = &at
		}
	}
	return nil
}

func (m *Memory) JoinSpace(_ context.Context, id domain.SpaceID, p domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stays[id] = append(m.stays[id], stay{Participant: p})
	return nil
}

func (m *Memory) LeaveSpace(_ context.Context, id domain.SpaceID, uid domain.UserID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.stays[id] {
		if m.stays[id][i].UserID == uid && m.stays[id][i].LeftAt == nil {
			t := at
			m.stays[id][i].LeftAt = &t
		}
	}
	return nil
}

// Present lists users with an open stay in the space.
func (m *Memory) Present(id domain.SpaceID) []domain.UserID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.UserID
	for _, s := range m.stays[id] {
		if s.LeftAt == nil {
			out = append(out, s.UserID)
		}
	}
	return out
}

func (m *Memory) Follow(_ context.Context, follower, followee domain.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.follows[[2]domain.UserID{follower, followee}] = struct{}{}
	return nil
}

func (m *Memory) IsFollower(_ context.Context, follower, followee domain.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.follows[[2]domain.UserID{follower, followee}]
	return ok, nil
}

func (m *Memory) Close() error { return nil }
