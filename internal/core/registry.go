package core

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/domain"
)

type RegistryConfig struct {
	// DefaultMaxParticipants applies to spaces created with MaxParticipants == 0.
	// Zero means unbounded.
	DefaultMaxParticipants int
	// IdleTimeout is how long an empty session (or an ended room) is kept.
	IdleTimeout time.Duration
	Now         func() time.Time
}

// Registry is the authoritative in-memory state of every active space.
// The map lock only guards membership of the map; each room serializes its
// own mutations so unrelated rooms never contend.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.SpaceID]*room

	cfg  RegistryConfig
	emit Emitter
}

func NewRegistry(cfg RegistryConfig, emit Emitter) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if emit == nil {
		emit = EmitterFunc(func(domain.Change) {})
	}
	return &Registry{
		rooms: make(map[domain.SpaceID]*room),
		cfg:   cfg,
		emit:  emit,
	}
}

// CreateRoom registers a new space in scheduled state.
func (r *Registry) CreateRoom(spec domain.SpaceSpec) (domain.Space, error) {
	if err := spec.Validate(); err != nil {
		return domain.Space{}, err
	}
	now := r.cfg.Now()
	space := domain.Space{
		ID:                domain.NewSpaceID(),
		Title:             spec.Title,
		Topic:             spec.Topic,
		Status:            domain.StatusScheduled,
		Host:              spec.Host,
		Creator:           spec.Host,
		SpeakerPermission: spec.SpeakerPermission,
		Invited:           append([]domain.UserID(nil), spec.Invited...),
		MaxParticipants:   spec.MaxParticipants,
		ScheduledStart:    spec.ScheduledStart,
		CreatedAt:         now,
	}
	rm := newRoom(space)

	r.mu.Lock()
	r.rooms[space.ID] = rm
	r.mu.Unlock()

	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.commit(r, domain.Change{Kind: domain.ChangeCreated, Actor: spec.Host}, now)
	log.Info().Str("module", "core.registry").Str("space", string(space.ID)).Str("host", string(space.Host)).Msg("space created")
	return space.Clone(), nil
}

// Hydrate loads a persisted space that is not yet known in memory.
// It reports false when the space was already present.
func (r *Registry) Hydrate(space domain.Space) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[space.ID]; ok {
		return false
	}
	r.rooms[space.ID] = newRoom(space.Clone())
	log.Debug().Str("module", "core.registry").Str("space", string(space.ID)).Msg("space hydrated")
	return true
}

// Known reports whether the space is held in memory.
func (r *Registry) Known(id domain.SpaceID) bool {
	_, ok := r.lookup(id)
	return ok
}

func (r *Registry) lookup(id domain.SpaceID) (*room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	return rm, ok
}

func (r *Registry) get(id domain.SpaceID) (*room, error) {
	rm, ok := r.lookup(id)
	if !ok {
		return nil, domain.Errorf(domain.ErrRoomNotFound, "space %s", id)
	}
	return rm, nil
}

// Space returns a copy of the space record.
func (r *Registry) Space(id domain.SpaceID) (domain.Space, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Space{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.space.Clone(), nil
}

// Snapshot returns the current participant view of the space.
func (r *Registry) Snapshot(id domain.SpaceID) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshot(r.cfg.Now()), nil
}

// Spaces lists every space held in memory, newest first.
func (r *Registry) Spaces() []domain.Space {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	out := make([]domain.Space, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		out = append(out, rm.space.Clone())
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// SweepResult reports what a Sweep released.
type SweepResult struct {
	Sessions int
	Rooms    int
}

// Sweep destroys sessions that stayed empty longer than the idle timeout and
// forgets ended rooms nobody is in anymore.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var res SweepResult
	r.mu.RLock()
	ids := make([]domain.SpaceID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		rm, ok := r.lookup(id)
		if !ok {
			continue
		}
		rm.mu.Lock()
		if rm.session != nil && len(rm.session.participants) == 0 && now.Sub(rm.idleSince) >= r.cfg.IdleTimeout {
			rm.session = nil
			res.Sessions++
		}
		evict := rm.space.Status == domain.StatusEnded && rm.session == nil &&
			rm.space.EndedAt != nil && now.Sub(*rm.space.EndedAt) >= r.cfg.IdleTimeout
		rm.mu.Unlock()

		if evict {
			r.mu.Lock()
			delete(r.rooms, id)
			r.mu.Unlock()
			res.Rooms++
		}
	}
	if res.Sessions > 0 || res.Rooms > 0 {
		log.Info().Str("module", "core.registry").Int("sessions", res.Sessions).Int("rooms", res.Rooms).Msg("sweep released idle state")
	}
	return res
}

// ActiveSessions counts rooms that currently hold a session.
func (r *Registry) ActiveSessions() int {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	n := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		if rm.session != nil {
			n++
		}
		rm.mu.Unlock()
	}
	return n
}

func (r *Registry) maxParticipants(space *domain.Space) int {
	if space.MaxParticipants > 0 {
		return space.MaxParticipants
	}
	return r.cfg.DefaultMaxParticipants
}
