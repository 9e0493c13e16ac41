package core

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/domain"
)

type member struct {
	domain.Participant
	seq uint64
}

type request struct {
	domain.SpeakerRequest
	seq uint64
}

// session holds the participant and request sets of a space while active.
type session struct {
	participants map[domain.UserID]*member
	requests     map[domain.UserID]*request
	seq          uint64
}

func newSession() *session {
	return &session{
		participants: make(map[domain.UserID]*member),
		requests:     make(map[domain.UserID]*request),
	}
}

func (s *session) next() uint64 {
	s.seq++
	return s.seq
}

// room is a space plus its session, guarded by one mutex.
type room struct {
	mu        sync.Mutex
	space     domain.Space
	session   *session
	version   uint64
	idleSince time.Time
}

func newRoom(space domain.Space) *room {
	return &room{space: space}
}

func (rm *room) snapshot(now time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		SpaceID:         rm.space.ID,
		Status:          rm.space.Status,
		Host:            rm.space.Host,
		Version:         rm.version,
		Participants:    []domain.Participant{},
		PendingRequests: []domain.SpeakerRequest{},
		At:              now,
	}
	if rm.session == nil {
		return snap
	}
	members := make([]*member, 0, len(rm.session.participants))
	for _, m := range rm.session.participants {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].seq < members[j].seq })
	for _, m := range members {
		snap.Participants = append(snap.Participants, m.Participant)
	}

	reqs := make([]*request, 0, len(rm.session.requests))
	for _, q := range rm.session.requests {
		reqs = append(reqs, q)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].seq < reqs[j].seq })
	for _, q := range reqs {
		snap.PendingRequests = append(snap.PendingRequests, q.SpeakerRequest)
	}
	return snap
}

// commit bumps the version and hands the change to the emitter. Must be
// called with rm.mu held.
func (rm *room) commit(r *Registry, c domain.Change, now time.Time) domain.Snapshot {
	rm.version++
	snap := rm.snapshot(now)
	c.SpaceID = rm.space.ID
	c.Space = rm.space.Clone()
	c.Snapshot = snap
	r.emit.Emit(c)
	return snap
}

// active returns the live session or the reason there is none.
func (rm *room) active() (*session, error) {
	if rm.space.Status == domain.StatusEnded {
		return nil, domain.Errorf(domain.ErrRoomEnded, "space %s", rm.space.ID)
	}
	if rm.session == nil {
		return nil, domain.Errorf(domain.ErrNotParticipant, "space %s has no session", rm.space.ID)
	}
	return rm.session, nil
}

func (rm *room) participant(uid domain.UserID) (*session, *member, error) {
	s, err := rm.active()
	if err != nil {
		return nil, nil, err
	}
	m, ok := s.participants[uid]
	if !ok {
		return nil, nil, domain.Errorf(domain.ErrNotParticipant, "user %s", uid)
	}
	return s, m, nil
}

// host checks that caller currently holds the host role.
func (rm *room) host(caller domain.UserID) (*session, error) {
	s, m, err := rm.participant(caller)
	if err != nil {
		if rm.space.Status != domain.StatusEnded {
			return nil, domain.Errorf(domain.ErrNotHost, "user %s", caller)
		}
		return nil, err
	}
	if m.Role != domain.RoleHost {
		return nil, domain.Errorf(domain.ErrNotHost, "user %s", caller)
	}
	return s, nil
}

// end moves the room to ended and drops its session. Returns everyone removed.
func (rm *room) end(now time.Time) []domain.UserID {
	var removed []domain.UserID
	if rm.session != nil {
		snap := rm.snapshot(now)
		for _, p := range snap.Participants {
			removed = append(removed, p.UserID)
		}
	}
	rm.space.Status = domain.StatusEnded
	t := now
	rm.space.EndedAt = &t
	rm.session = nil
	return removed
}

// StartRoom moves a scheduled space to live.
func (r *Registry) StartRoom(id domain.SpaceID, by domain.UserID) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.space.Host != by {
		return domain.Snapshot{}, domain.Errorf(domain.ErrNotHost, "user %s", by)
	}
	if rm.space.Status != domain.StatusScheduled {
		return domain.Snapshot{}, domain.Errorf(domain.ErrInvalidTransition, "%s -> %s", rm.space.Status, domain.StatusLive)
	}
	now := r.cfg.Now()
	rm.space.Status = domain.StatusLive
	rm.space.StartedAt = &now
	log.Info().Str("module", "core.room").Str("space", string(id)).Msg("space started")
	return rm.commit(r, domain.Change{Kind: domain.ChangeStarted, Actor: by}, now), nil
}

// EndRoom moves a live space to ended, removing every participant.
func (r *Registry) EndRoom(id domain.SpaceID, by domain.UserID) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.space.Host != by {
		return domain.Snapshot{}, domain.Errorf(domain.ErrNotHost, "user %s", by)
	}
	if rm.space.Status != domain.StatusLive {
		return domain.Snapshot{}, domain.Errorf(domain.ErrInvalidTransition, "%s -> %s", rm.space.Status, domain.StatusEnded)
	}
	now := r.cfg.Now()
	removed := rm.end(now)
	log.Info().Str("module", "core.room").Str("space", string(id)).Int("removed", len(removed)).Msg("space ended")
	return rm.commit(r, domain.Change{Kind: domain.ChangeEnded, Actor: by, Removed: removed}, now), nil
}

// Join adds uid to the space. A repeated join returns the existing
// participant without mutating anything.
func (r *Registry) Join(id domain.SpaceID, uid domain.UserID) (domain.Participant, domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Participant{}, domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.space.Status == domain.StatusEnded {
		return domain.Participant{}, domain.Snapshot{}, domain.Errorf(domain.ErrRoomEnded, "space %s", id)
	}
	now := r.cfg.Now()
	if rm.session == nil {
		rm.session = newSession()
	}
	s := rm.session
	if m, ok := s.participants[uid]; ok {
		return m.Participant, rm.snapshot(now), nil
	}
	if limit := r.maxParticipants(&rm.space); limit > 0 && len(s.participants) >= limit {
		return domain.Participant{}, domain.Snapshot{}, domain.Errorf(domain.ErrCapacityExceeded, "space %s holds %d", id, limit)
	}

	role := domain.RoleListener
	if uid == rm.space.Host {
		role = domain.RoleHost
	}
	m := &member{
		Participant: domain.Participant{UserID: uid, Role: role, JoinedAt: now},
		seq:         s.next(),
	}
	s.participants[uid] = m
	rm.space.Stats.TotalJoined++
	if n := len(s.participants); n > rm.space.Stats.PeakListeners {
		rm.space.Stats.PeakListeners = n
	}
	log.Info().Str("module", "core.room").Str("space", string(id)).Str("user", string(uid)).Str("role", string(role)).Msg("participant joined")
	snap := rm.commit(r, domain.Change{Kind: domain.ChangeJoined, Actor: uid}, now)
	return m.Participant, snap, nil
}

// Leave removes uid. When the host leaves, the earliest-joined speaker (or,
// failing that, listener) becomes host and keeps its mute flag; with nobody
// left the space ends. A space without speakers therefore stays live under a
// promoted listener.
func (r *Registry) Leave(id domain.SpaceID, uid domain.UserID) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	s, m, err := rm.participant(uid)
	if err != nil {
		return domain.Snapshot{}, err
	}
	now := r.cfg.Now()
	delete(s.participants, uid)
	delete(s.requests, uid)

	change := domain.Change{Kind: domain.ChangeLeft, Actor: uid}
	if m.Role == domain.RoleHost {
		if next := successor(s); next != nil {
			next.Role = domain.RoleHost
			delete(s.requests, next.UserID)
			rm.space.Host = next.UserID
			change.Promoted = next.UserID
			log.Info().Str("module", "core.room").Str("space", string(id)).Str("host", string(next.UserID)).Msg("host promoted")
		}
	}
	if len(s.participants) == 0 {
		rm.idleSince = now
	}
	log.Info().Str("module", "core.room").Str("space", string(id)).Str("user", string(uid)).Msg("participant left")
	snap := rm.commit(r, change, now)

	if m.Role == domain.RoleHost && len(s.participants) == 0 {
		rm.end(now)
		log.Info().Str("module", "core.room").Str("space", string(id)).Msg("space ended, host left alone")
		snap = rm.commit(r, domain.Change{Kind: domain.ChangeEnded, Actor: uid}, now)
	}
	return snap, nil
}

func successor(s *session) *member {
	var speaker, listener *member
	for _, m := range s.participants {
		switch m.Role {
		case domain.RoleSpeaker:
			if speaker == nil || m.seq < speaker.seq {
				speaker = m
			}
		case domain.RoleListener:
			if listener == nil || m.seq < listener.seq {
				listener = m
			}
		}
	}
	if speaker != nil {
		return speaker
	}
	return listener
}

// RequestToSpeak queues a speaker request for a listener.
func (r *Registry) RequestToSpeak(id domain.SpaceID, uid domain.UserID) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	s, m, err := rm.participant(uid)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if m.Role != domain.RoleListener {
		return domain.Snapshot{}, domain.Errorf(domain.ErrAlreadySpeaker, "user %s is %s", uid, m.Role)
	}
	if _, ok := s.requests[uid]; ok {
		return domain.Snapshot{}, domain.Errorf(domain.ErrAlreadyPending, "user %s", uid)
	}
	now := r.cfg.Now()
	s.requests[uid] = &request{
		SpeakerRequest: domain.SpeakerRequest{UserID: uid, RequestedAt: now},
		seq:            s.next(),
	}
	return rm.commit(r, domain.Change{
		Kind:    domain.ChangeSpeakerRequested,
		Actor:   uid,
		Targets: []domain.UserID{rm.space.Host},
	}, now), nil
}

// ApproveSpeaker promotes a requesting listener to speaker.
func (r *Registry) ApproveSpeaker(id domain.SpaceID, hostID, target domain.UserID) (domain.Snapshot, error) {
	return r.resolveRequest(id, hostID, target, true)
}

// DenySpeaker drops a pending request without a role change.
func (r *Registry) DenySpeaker(id domain.SpaceID, hostID, target domain.UserID) (domain.Snapshot, error) {
	return r.resolveRequest(id, hostID, target, false)
}

func (r *Registry) resolveRequest(id domain.SpaceID, hostID, target domain.UserID, approve bool) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	s, err := rm.host(hostID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if _, ok := s.requests[target]; !ok {
		return domain.Snapshot{}, domain.Errorf(domain.ErrNoSuchRequest, "user %s", target)
	}
	delete(s.requests, target)

	kind := domain.ChangeSpeakerDenied
	if approve {
		kind = domain.ChangeSpeakerApproved
		if m, ok := s.participants[target]; ok && m.Role == domain.RoleListener {
			m.Role = domain.RoleSpeaker
		}
	}
	log.Info().Str("module", "core.room").Str("space", string(id)).Str("user", string(target)).Bool("approved", approve).Msg("speaker request resolved")
	return rm.commit(r, domain.Change{Kind: kind, Actor: hostID, Targets: []domain.UserID{target}}, r.cfg.Now()), nil
}

// DenyAllSpeakers clears every pending request. With nothing pending it
// succeeds without a new version.
func (r *Registry) DenyAllSpeakers(id domain.SpaceID, hostID domain.UserID) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	s, err := rm.host(hostID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	now := r.cfg.Now()
	if len(s.requests) == 0 {
		return rm.snapshot(now), nil
	}
	pending := rm.snapshot(now).PendingRequests
	targets := make([]domain.UserID, 0, len(pending))
	for _, q := range pending {
		targets = append(targets, q.UserID)
	}
	s.requests = make(map[domain.UserID]*request)
	return rm.commit(r, domain.Change{Kind: domain.ChangeSpeakerDenied, Actor: hostID, Targets: targets}, now), nil
}

// RemoveSpeaker demotes a speaker back to listener.
func (r *Registry) RemoveSpeaker(id domain.SpaceID, hostID, target domain.UserID) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	s, err := rm.host(hostID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	m, ok := s.participants[target]
	if !ok {
		return domain.Snapshot{}, domain.Errorf(domain.ErrNotParticipant, "user %s", target)
	}
	if m.Role != domain.RoleSpeaker {
		return domain.Snapshot{}, domain.Errorf(domain.ErrInvalidTransition, "user %s is %s", target, m.Role)
	}
	m.Role = domain.RoleListener
	return rm.commit(r, domain.Change{Kind: domain.ChangeSpeakerRemoved, Actor: hostID, Targets: []domain.UserID{target}}, r.cfg.Now()), nil
}

// SetMute changes the mute flag of target (the actor itself when empty).
// Only the host may mute others, and nobody may unmute someone else.
// Setting the current value again is a successful no-op.
func (r *Registry) SetMute(id domain.SpaceID, actor, target domain.UserID, muted bool) (domain.Snapshot, error) {
	rm, err := r.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if target == "" {
		target = actor
	}
	s, a, err := rm.participant(actor)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if target != actor {
		if a.Role != domain.RoleHost {
			return domain.Snapshot{}, domain.Errorf(domain.ErrNotHost, "user %s", actor)
		}
		if !muted {
			return domain.Snapshot{}, domain.Errorf(domain.ErrNotAllowed, "cannot unmute %s", target)
		}
	}
	m, ok := s.participants[target]
	if !ok {
		return domain.Snapshot{}, domain.Errorf(domain.ErrNotParticipant, "user %s", target)
	}
	now := r.cfg.Now()
	if m.IsMuted == muted {
		return rm.snapshot(now), nil
	}
	m.IsMuted = muted
	return rm.commit(r, domain.Change{
		Kind:    domain.ChangeMuted,
		Actor:   actor,
		Targets: []domain.UserID{target},
		Muted:   muted,
	}, now), nil
}
