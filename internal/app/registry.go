package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
)

type connEntry struct {
	User       domain.UserID
	Joined     map[domain.SpaceID]struct{}
	Subscribed map[domain.SpaceID]struct{}
	Cancel     context.CancelFunc
}

// ConnectionRegistry tracks every open event-channel connection: who it
// belongs to, which spaces it joined and which it only watches.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connEntry
	rooms map[domain.SpaceID]map[core.ConnID]struct{}
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[core.ConnID]*connEntry),
		rooms: make(map[domain.SpaceID]map[core.ConnID]struct{}),
	}
}

// Bind registers a freshly opened connection.
func (r *ConnectionRegistry) Bind(conn core.ConnID, user domain.UserID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn] = &connEntry{
		User:       user,
		Joined:     make(map[domain.SpaceID]struct{}),
		Subscribed: make(map[domain.SpaceID]struct{}),
		Cancel:     cancel,
	}
	log.Debug().Str("module", "app.registry").Str("conn", string(conn)).Str("user", string(user)).Msg("bound connection")
}

func (r *ConnectionRegistry) User(conn core.ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[conn]
	if !ok {
		return "", false
	}
	return e.User, true
}

// Subscribe adds the connection to the space's broadcast set and reports
// whether it was not subscribed before.
func (r *ConnectionRegistry) Subscribe(conn core.ConnID, space domain.SpaceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return false
	}
	if _, ok := e.Subscribed[space]; ok {
		return false
	}
	e.Subscribed[space] = struct{}{}
	r.index(conn, space)
	return true
}

// Unsubscribe removes the connection from the broadcast set unless it is
// still joined to the space.
func (r *ConnectionRegistry) Unsubscribe(conn core.ConnID, space domain.SpaceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return
	}
	delete(e.Subscribed, space)
	if _, joined := e.Joined[space]; !joined {
		r.unindex(conn, space)
	}
}

func (r *ConnectionRegistry) MarkJoined(conn core.ConnID, space domain.SpaceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return
	}
	e.Joined[space] = struct{}{}
	r.index(conn, space)
}

// MarkLeft drops the join; the connection keeps receiving broadcasts only if
// it subscribed explicitly.
func (r *ConnectionRegistry) MarkLeft(conn core.ConnID, space domain.SpaceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markLeft(conn, space)
}

func (r *ConnectionRegistry) markLeft(conn core.ConnID, space domain.SpaceID) {
	e, ok := r.conns[conn]
	if !ok {
		return
	}
	delete(e.Joined, space)
	if _, sub := e.Subscribed[space]; !sub {
		r.unindex(conn, space)
	}
}

// ForgetJoins clears the join of every connection of the given users.
func (r *ConnectionRegistry) ForgetJoins(space domain.SpaceID, users []domain.UserID) {
	if len(users) == 0 {
		return
	}
	want := make(map[domain.UserID]struct{}, len(users))
	for _, u := range users {
		want[u] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.rooms[space] {
		if _, ok := want[r.conns[conn].User]; ok {
			r.markLeft(conn, space)
		}
	}
}

func (r *ConnectionRegistry) IsJoined(conn core.ConnID, space domain.SpaceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[conn]
	if !ok {
		return false
	}
	_, joined := e.Joined[space]
	return joined
}

// JoinedElsewhere reports whether user holds the space through a connection
// other than conn.
func (r *ConnectionRegistry) JoinedElsewhere(conn core.ConnID, user domain.UserID, space domain.SpaceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for other := range r.rooms[space] {
		if other == conn {
			continue
		}
		e := r.conns[other]
		if _, joined := e.Joined[space]; joined && e.User == user {
			return true
		}
	}
	return false
}

// Subscribers returns every connection receiving broadcasts of space.
func (r *ConnectionRegistry) Subscribers(space domain.SpaceID) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.ConnID, 0, len(r.rooms[space]))
	for conn := range r.rooms[space] {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnsOf returns the connections of user that receive broadcasts of space.
func (r *ConnectionRegistry) ConnsOf(space domain.SpaceID, user domain.UserID) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.ConnID
	for conn := range r.rooms[space] {
		if r.conns[conn].User == user {
			out = append(out, conn)
		}
	}
	return out
}

// Unbind forgets the connection and returns its user and joined spaces so
// the caller can synthesize leaves.
func (r *ConnectionRegistry) Unbind(conn core.ConnID) (domain.UserID, []domain.SpaceID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[conn]
	if !ok {
		return "", nil, false
	}
	joined := make([]domain.SpaceID, 0, len(e.Joined))
	for space := range e.Joined {
		joined = append(joined, space)
	}
	for space := range e.Joined {
		r.unindex(conn, space)
	}
	for space := range e.Subscribed {
		r.unindex(conn, space)
	}
	delete(r.conns, conn)
	sort.Slice(joined, func(i, j int) bool { return joined[i] < joined[j] })
	log.Debug().Str("module", "app.registry").Str("conn", string(conn)).Int("joined", len(joined)).Msg("unbound connection")
	return e.User, joined, true
}

// Cancel stops the connection's pumps.
func (r *ConnectionRegistry) Cancel(conn core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[conn]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	return true
}

func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *ConnectionRegistry) index(conn core.ConnID, space domain.SpaceID) {
	set, ok := r.rooms[space]
	if !ok {
		set = make(map[core.ConnID]struct{})
		r.rooms[space] = set
	}
	set[conn] = struct{}{}
}

func (r *ConnectionRegistry) unindex(conn core.ConnID, space domain.SpaceID) {
	set, ok := r.rooms[space]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.rooms, space)
	}
}
