package core

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/spaces/internal/domain"
)

type recorder struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (r *recorder) Emit(c domain.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) kinds() []domain.ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChangeKind, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Kind)
	}
	return out
}

func (r *recorder) last() domain.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestRegistry(t *testing.T) (*Registry, *recorder, *clock) {
	t.Helper()
	rec := &recorder{}
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	reg := NewRegistry(RegistryConfig{IdleTimeout: time.Minute, Now: clk.now}, rec)
	return reg, rec, clk
}

func liveSpace(t *testing.T, reg *Registry, host domain.UserID) domain.SpaceID {
	t.Helper()
	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "evening chat", Host: host})
	require.NoError(t, err)
	_, err = reg.StartRoom(sp.ID, host)
	require.NoError(t, err)
	_, _, err = reg.Join(sp.ID, host)
	require.NoError(t, err)
	return sp.ID
}

func hosts(s domain.Snapshot) int { return s.Count(domain.RoleHost) }

func TestCreateRoom(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)

	_, err := reg.CreateRoom(domain.SpaceSpec{Title: "  ", Host: "a"})
	require.ErrorIs(t, err, domain.ErrInvalidSpec)
	assert.Zero(t, rec.len())

	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "hello", Host: "a"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sp.Status)
	assert.Equal(t, domain.UserID("a"), sp.Host)
	assert.Equal(t, domain.SpeakEveryone, sp.SpeakerPermission)
	assert.Equal(t, []domain.ChangeKind{domain.ChangeCreated}, rec.kinds())
}

func TestStartRoom(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "t", Host: "a"})
	require.NoError(t, err)

	_, err = reg.StartRoom(sp.ID, "b")
	assert.ErrorIs(t, err, domain.ErrNotHost)

	snap, err := reg.StartRoom(sp.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, snap.Status)

	got, err := reg.Space(sp.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)

	_, err = reg.StartRoom(sp.ID, "a")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = reg.StartRoom("missing", "a")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestEndRoomRequiresLive(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "t", Host: "a"})
	require.NoError(t, err)

	_, err = reg.EndRoom(sp.ID, "b")
	assert.ErrorIs(t, err, domain.ErrNotHost)
	_, err = reg.EndRoom(sp.ID, "a")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestJoinRoles(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")

	p, snap, err := reg.Join(id, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleListener, p.Role)
	assert.Equal(t, 2, len(snap.Participants))
	assert.Equal(t, 1, hosts(snap))

	host, ok := snap.Participant("a")
	require.True(t, ok)
	assert.Equal(t, domain.RoleHost, host.Role)

	before := rec.len()
	again, snap2, err := reg.Join(id, "b")
	require.NoError(t, err)
	assert.Equal(t, p, again, "duplicate join returns the existing record")
	assert.Equal(t, snap.Version, snap2.Version)
	assert.Equal(t, before, rec.len(), "duplicate join emits nothing")

	sp, err := reg.Space(id)
	require.NoError(t, err)
	assert.Equal(t, 2, sp.Stats.TotalJoined)
	assert.Equal(t, 2, sp.Stats.PeakListeners)
}

func TestJoinCapacity(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "t", Host: "a", MaxParticipants: 2})
	require.NoError(t, err)

	_, _, err = reg.Join(sp.ID, "a")
	require.NoError(t, err)
	_, _, err = reg.Join(sp.ID, "b")
	require.NoError(t, err)
	_, _, err = reg.Join(sp.ID, "c")
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	snap, err := reg.Snapshot(sp.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 2)
}

func TestJoinDefaultCapacity(t *testing.T) {
	reg := NewRegistry(RegistryConfig{DefaultMaxParticipants: 1}, nil)
	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "t", Host: "a"})
	require.NoError(t, err)

	_, _, err = reg.Join(sp.ID, "a")
	require.NoError(t, err)
	_, _, err = reg.Join(sp.ID, "b")
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestJoinEndedRoomNeverMutates(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	_, err := reg.EndRoom(id, "a")
	require.NoError(t, err)

	before, err := reg.Snapshot(id)
	require.NoError(t, err)
	n := rec.len()

	for _, u := range []domain.UserID{"a", "b", "c"} {
		_, _, err := reg.Join(id, u)
		assert.ErrorIs(t, err, domain.ErrRoomEnded)
	}
	after, err := reg.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.Participants)
	assert.Equal(t, n, rec.len())
}

func TestHostLeavePromotesEarliestSpeaker(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	for _, u := range []domain.UserID{"l1", "s1", "s2"} {
		_, _, err := reg.Join(id, u)
		require.NoError(t, err)
	}
	for _, u := range []domain.UserID{"s1", "s2"} {
		_, err := reg.RequestToSpeak(id, u)
		require.NoError(t, err)
	}
	_, err := reg.ApproveSpeaker(id, "a", "s2")
	require.NoError(t, err)
	_, err = reg.ApproveSpeaker(id, "a", "s1")
	require.NoError(t, err)

	snap, err := reg.Leave(id, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, hosts(snap))
	p, _ := snap.Participant("s1")
	assert.Equal(t, domain.RoleHost, p.Role, "s1 joined before s2")
	assert.Equal(t, domain.UserID("s1"), snap.Host)
	assert.Equal(t, domain.UserID("s1"), rec.last().Promoted)
	assert.Equal(t, domain.StatusLive, snap.Status)

	t.Run("muted successor stays muted", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		id := liveSpace(t, reg, "a")
		_, _, err := reg.Join(id, "b")
		require.NoError(t, err)
		_, err = reg.RequestToSpeak(id, "b")
		require.NoError(t, err)
		_, err = reg.ApproveSpeaker(id, "a", "b")
		require.NoError(t, err)
		_, err = reg.SetMute(id, "b", "b", true)
		require.NoError(t, err)

		snap, err := reg.Leave(id, "a")
		require.NoError(t, err)
		p, ok := snap.Participant("b")
		require.True(t, ok)
		assert.Equal(t, domain.RoleHost, p.Role)
		assert.True(t, p.IsMuted)
	})
}

func TestHostLeavePromotesListenerWithoutSpeakers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	_, _, err := reg.Join(id, "b")
	require.NoError(t, err)
	_, _, err = reg.Join(id, "c")
	require.NoError(t, err)
	_, err = reg.RequestToSpeak(id, "b")
	require.NoError(t, err)

	snap, err := reg.Leave(id, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, hosts(snap))
	p, _ := snap.Participant("b")
	assert.Equal(t, domain.RoleHost, p.Role)
	assert.False(t, snap.HasRequest("b"), "promoted user's request is dropped")

	_, err = reg.ApproveSpeaker(id, "a", "c")
	assert.ErrorIs(t, err, domain.ErrNotHost, "former host lost authority")
}

func TestHostLeavingAloneEndsRoom(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")

	snap, err := reg.Leave(id, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, snap.Status)
	kinds := rec.kinds()
	assert.Equal(t, []domain.ChangeKind{domain.ChangeLeft, domain.ChangeEnded}, kinds[len(kinds)-2:])

	_, _, err = reg.Join(id, "b")
	assert.ErrorIs(t, err, domain.ErrRoomEnded)
}

func TestListenerLeaveDropsRequest(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	_, _, err := reg.Join(id, "b")
	require.NoError(t, err)
	_, err = reg.RequestToSpeak(id, "b")
	require.NoError(t, err)

	snap, err := reg.Leave(id, "b")
	require.NoError(t, err)
	assert.Empty(t, snap.PendingRequests)
	_, ok := snap.Participant("b")
	assert.False(t, ok)

	_, err = reg.Leave(id, "b")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestRequestToSpeak(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	_, _, err := reg.Join(id, "b")
	require.NoError(t, err)

	snap, err := reg.RequestToSpeak(id, "b")
	require.NoError(t, err)
	assert.True(t, snap.HasRequest("b"))
	assert.Equal(t, []domain.UserID{"a"}, rec.last().Targets, "request is addressed to the host")

	_, err = reg.RequestToSpeak(id, "b")
	assert.ErrorIs(t, err, domain.ErrAlreadyPending)
	_, err = reg.RequestToSpeak(id, "a")
	assert.ErrorIs(t, err, domain.ErrAlreadySpeaker)
	_, err = reg.RequestToSpeak(id, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestApproveByNonHostLeavesRequest(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	for _, u := range []domain.UserID{"b", "c"} {
		_, _, err := reg.Join(id, u)
		require.NoError(t, err)
	}
	before, err := reg.RequestToSpeak(id, "b")
	require.NoError(t, err)

	for _, caller := range []domain.UserID{"b", "c", "stranger"} {
		_, err := reg.ApproveSpeaker(id, caller, "b")
		assert.ErrorIs(t, err, domain.ErrNotHost, caller)
		_, err = reg.DenySpeaker(id, caller, "b")
		assert.ErrorIs(t, err, domain.ErrNotHost, caller)
	}
	after, err := reg.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, before.PendingRequests, after.PendingRequests)
	assert.Equal(t, before.Version, after.Version)
}

func TestApproveAndDeny(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	for _, u := range []domain.UserID{"b", "c"} {
		_, _, err := reg.Join(id, u)
		require.NoError(t, err)
		_, err = reg.RequestToSpeak(id, u)
		require.NoError(t, err)
	}

	snap, err := reg.ApproveSpeaker(id, "a", "b")
	require.NoError(t, err)
	p, _ := snap.Participant("b")
	assert.Equal(t, domain.RoleSpeaker, p.Role)
	assert.False(t, snap.HasRequest("b"))

	snap, err = reg.DenySpeaker(id, "a", "c")
	require.NoError(t, err)
	p, _ = snap.Participant("c")
	assert.Equal(t, domain.RoleListener, p.Role)
	assert.False(t, snap.HasRequest("c"))

	_, err = reg.DenySpeaker(id, "a", "c")
	assert.ErrorIs(t, err, domain.ErrNoSuchRequest)
	_, err = reg.ApproveSpeaker(id, "a", "nobody")
	assert.ErrorIs(t, err, domain.ErrNoSuchRequest)
}

func TestDenyAll(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")

	n := rec.len()
	_, err := reg.DenyAllSpeakers(id, "a")
	require.NoError(t, err)
	assert.Equal(t, n, rec.len(), "nothing pending, nothing emitted")

	for _, u := range []domain.UserID{"b", "c", "d"} {
		_, _, err := reg.Join(id, u)
		require.NoError(t, err)
		_, err = reg.RequestToSpeak(id, u)
		require.NoError(t, err)
	}
	_, err = reg.DenyAllSpeakers(id, "b")
	assert.ErrorIs(t, err, domain.ErrNotHost)

	snap, err := reg.DenyAllSpeakers(id, "a")
	require.NoError(t, err)
	assert.Empty(t, snap.PendingRequests)
	last := rec.last()
	assert.Equal(t, domain.ChangeSpeakerDenied, last.Kind)
	assert.Equal(t, []domain.UserID{"b", "c", "d"}, last.Targets)
}

func TestRemoveSpeaker(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	_, _, err := reg.Join(id, "b")
	require.NoError(t, err)
	_, err = reg.RequestToSpeak(id, "b")
	require.NoError(t, err)
	_, err = reg.ApproveSpeaker(id, "a", "b")
	require.NoError(t, err)

	_, err = reg.RemoveSpeaker(id, "b", "b")
	assert.ErrorIs(t, err, domain.ErrNotHost)
	_, err = reg.RemoveSpeaker(id, "a", "a")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "host cannot be demoted")
	_, err = reg.RemoveSpeaker(id, "a", "ghost")
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	snap, err := reg.RemoveSpeaker(id, "a", "b")
	require.NoError(t, err)
	p, _ := snap.Participant("b")
	assert.Equal(t, domain.RoleListener, p.Role)

	_, err = reg.RemoveSpeaker(id, "a", "b")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSetMute(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)
	id := liveSpace(t, reg, "a")
	_, _, err := reg.Join(id, "b")
	require.NoError(t, err)

	once, err := reg.SetMute(id, "b", "", true)
	require.NoError(t, err)
	n := rec.len()
	twice, err := reg.SetMute(id, "b", "b", true)
	require.NoError(t, err)
	assert.Equal(t, once.Participants, twice.Participants, "repeated mute is a no-op")
	assert.Equal(t, once.Version, twice.Version)
	assert.Equal(t, n, rec.len())

	_, err = reg.SetMute(id, "b", "a", true)
	assert.ErrorIs(t, err, domain.ErrNotHost, "only the host mutes others")

	_, err = reg.SetMute(id, "a", "b", false)
	assert.ErrorIs(t, err, domain.ErrNotAllowed, "nobody unmutes another")

	snap, err := reg.SetMute(id, "b", "", false)
	require.NoError(t, err)
	p, _ := snap.Participant("b")
	assert.False(t, p.IsMuted)

	snap, err = reg.SetMute(id, "a", "b", true)
	require.NoError(t, err)
	p, _ = snap.Participant("b")
	assert.True(t, p.IsMuted)
	last := rec.last()
	assert.Equal(t, domain.ChangeMuted, last.Kind)
	assert.Equal(t, domain.UserID("a"), last.Actor)
	assert.True(t, last.Muted)
}

func TestFullLifecycle(t *testing.T) {
	reg, rec, _ := newTestRegistry(t)

	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "R", Host: "A"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, sp.Status)

	_, err = reg.StartRoom(sp.ID, "A")
	require.NoError(t, err)
	p, _, err := reg.Join(sp.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, p.Role)

	p, _, err = reg.Join(sp.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleListener, p.Role)

	_, err = reg.RequestToSpeak(sp.ID, "B")
	require.NoError(t, err)
	snap, err := reg.ApproveSpeaker(sp.ID, "A", "B")
	require.NoError(t, err)
	b, _ := snap.Participant("B")
	assert.Equal(t, domain.RoleSpeaker, b.Role)

	snap, err = reg.EndRoom(sp.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, snap.Status)
	assert.Empty(t, snap.Participants)
	assert.ElementsMatch(t, []domain.UserID{"A", "B"}, rec.last().Removed)

	_, _, err = reg.Join(sp.ID, "C")
	assert.ErrorIs(t, err, domain.ErrRoomEnded)

	// versions are strictly increasing across the run
	var prev uint64
	rec.mu.Lock()
	for _, c := range rec.changes {
		assert.Greater(t, c.Snapshot.Version, prev)
		prev = c.Snapshot.Version
	}
	rec.mu.Unlock()
}

func TestSweep(t *testing.T) {
	reg, _, clk := newTestRegistry(t)
	idle := liveSpace(t, reg, "a")
	_, _, err := reg.Join(idle, "b")
	require.NoError(t, err)
	_, err = reg.Leave(idle, "b")
	require.NoError(t, err)

	sp, err := reg.CreateRoom(domain.SpaceSpec{Title: "empty", Host: "h"})
	require.NoError(t, err)
	_, _, err = reg.Join(sp.ID, "x")
	require.NoError(t, err)
	_, err = reg.Leave(sp.ID, "x")
	require.NoError(t, err)

	ended := liveSpace(t, reg, "e")
	_, err = reg.EndRoom(ended, "e")
	require.NoError(t, err)

	require.Equal(t, 2, reg.ActiveSessions())
	assert.Equal(t, SweepResult{}, reg.Sweep(clk.t.Add(30*time.Second)))

	res := reg.Sweep(clk.t.Add(time.Minute))
	assert.Equal(t, 1, res.Sessions, "only the empty session is released")
	assert.Equal(t, 1, res.Rooms, "the ended room is forgotten")
	assert.Equal(t, 1, reg.ActiveSessions())
	assert.False(t, reg.Known(ended))
	assert.True(t, reg.Known(sp.ID))
}

func TestHydrate(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	sp := domain.Space{ID: "persisted", Title: "old", Status: domain.StatusLive, Host: "a"}
	assert.True(t, reg.Hydrate(sp))
	assert.False(t, reg.Hydrate(sp))

	p, _, err := reg.Join("persisted", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, p.Role)
}

func TestRoomsAreIndependentUnderConcurrency(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	const rooms, users = 8, 25

	ids := make([]domain.SpaceID, rooms)
	for i := range ids {
		ids[i] = liveSpace(t, reg, domain.UserID(fmt.Sprintf("host-%d", i)))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for u := 0; u < users; u++ {
			wg.Add(1)
			go func(id domain.SpaceID, uid domain.UserID) {
				defer wg.Done()
				_, _, err := reg.Join(id, uid)
				assert.NoError(t, err)
				_, err = reg.RequestToSpeak(id, uid)
				assert.NoError(t, err)
				_, err = reg.SetMute(id, uid, "", true)
				assert.NoError(t, err)
			}(id, domain.UserID(fmt.Sprintf("u%d", u)))
		}
	}
	wg.Wait()

	for _, id := range ids {
		snap, err := reg.Snapshot(id)
		require.NoError(t, err)
		assert.Len(t, snap.Participants, users+1)
		assert.Len(t, snap.PendingRequests, users)
		assert.Equal(t, 1, hosts(snap))
		// create, start, host join, then 3 mutations per user
		assert.Equal(t, uint64(3+3*users), snap.Version)
	}
}
