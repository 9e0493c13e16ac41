// Package media maps a participant's signaling state onto the media
// transport: publish when allowed, play remote speakers, reconnect when the
// transport drops.
package media

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/auth"
	"github.com/dkeye/spaces/internal/domain"
)

// RemoteTrack is a subscribed remote audio track.
type RemoteTrack struct {
	ID   string
	User domain.UserID
	// Source is the transport's own handle, passed through to the Player.
	Source any
}

// Listener receives the transport's asynchronous events.
type Listener interface {
	TrackSubscribed(RemoteTrack)
	TrackUnsubscribed(id string)
	TransportLost(err error)
}

// Transport is the client API of the media engine.
type Transport interface {
	Connect(ctx context.Context, url, token string, l Listener) error
	// SetLocalAudioEnabled fails with domain.ErrPermissionDenied when the
	// microphone cannot be opened.
	SetLocalAudioEnabled(enabled bool) error
	Close() error
}

type TokenSource interface {
	Token(ctx context.Context, space domain.SpaceID) (auth.Grant, error)
}

type Playback interface {
	Release()
}

// Player turns remote tracks into local playback. Calls must not re-enter
// the Reconciler.
type Player interface {
	Attach(RemoteTrack) (Playback, error)
}

type Options struct {
	Backoff  time.Duration
	Attempts uint
	// OnError surfaces domain.ErrPermissionDenied and
	// domain.ErrTransportUnavailable to the user.
	OnError func(error)
}

var errNotMember = errors.New("media: no longer a member")

// Reconciler is one client's media reconciliation loop. It only reads
// role and mute; changes to either flow through the event protocol.
type Reconciler struct {
	space     domain.SpaceID
	self      domain.UserID
	transport Transport
	tokens    TokenSource
	player    Player
	opts      Options
	state     StateMachine

	mu                  sync.Mutex
	ctx                 context.Context
	role                domain.Role
	muted               bool
	member              bool
	micPermissionDenied bool
	reconnecting        bool
	tracks              map[string]Playback

	// applyMu serializes calls into the transport's audio toggle.
	applyMu sync.Mutex
}

func NewReconciler(space domain.SpaceID, self domain.UserID, t Transport, tokens TokenSource, player Player, opts Options) *Reconciler {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 5
	}
	r := &Reconciler{
		space:     space,
		self:      self,
		transport: t,
		tokens:    tokens,
		player:    player,
		opts:      opts,
		ctx:       context.Background(),
		tracks:    make(map[string]Playback),
	}
	r.state.OnTransition(func(from, to ConnState) {
		log.Debug().Str("module", "media").Str("space", string(space)).Stringer("from", from).Stringer("to", to).Msg("transport state")
		if to == Connected {
			r.apply(false)
		}
	})
	return r
}

// Join starts media for a participant that just joined the space. It
// blocks until the transport connects or the attempts run out.
func (r *Reconciler) Join(ctx context.Context, p domain.Participant) error {
	r.Seed(ctx, p)
	return r.Connect(ctx)
}

// Seed records membership with the state from the join ack. Call it before
// snapshots are observed so a newer snapshot is never overwritten.
func (r *Reconciler) Seed(ctx context.Context, p domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	r.member = true
	r.role = p.Role
	r.muted = p.IsMuted
}

// Connect brings the transport up for a seeded member, with whatever role
// and mute state were observed since.
func (r *Reconciler) Connect(ctx context.Context) error {
	return r.connect(ctx)
}

// Leave drops membership, tears the transport down and stops reconnects.
func (r *Reconciler) Leave() {
	r.mu.Lock()
	r.member = false
	r.teardownLocked()
	r.mu.Unlock()
	_ = r.transport.Close()
	_ = r.state.Transition(Disconnected)
}

// Observe applies the participant's latest signaling state. A participant
// missing from the snapshot is treated as having left. Role changes and
// force-mutes come from the host and keep a microphone denial latched.
func (r *Reconciler) Observe(s domain.Snapshot) {
	p, ok := s.Participant(r.self)
	if !ok || s.Status == domain.StatusEnded {
		r.mu.Lock()
		member := r.member
		r.mu.Unlock()
		if member {
			r.Leave()
		}
		return
	}
	r.mu.Lock()
	changed := p.Role != r.role || p.IsMuted != r.muted
	// Nobody can unmute another user, so an unmute is always our own.
	unmuted := r.muted && !p.IsMuted
	r.role = p.Role
	r.muted = p.IsMuted
	r.mu.Unlock()
	if changed {
		r.apply(unmuted)
	}
}

// Retry re-attempts publishing after the microphone was denied.
func (r *Reconciler) Retry() {
	r.apply(true)
}

// apply pushes the target publish state to the transport. Only a
// user-initiated trigger re-attempts after a permission denial.
func (r *Reconciler) apply(userInitiated bool) {
	r.mu.Lock()
	if userInitiated {
		r.micPermissionDenied = false
	}
	target := r.shouldPublishLocked()
	denied := r.micPermissionDenied
	r.mu.Unlock()

	if r.state.State() != Connected || (target && denied) {
		return
	}

	r.applyMu.Lock()
	err := r.transport.SetLocalAudioEnabled(target)
	r.applyMu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPermissionDenied):
		r.mu.Lock()
		r.micPermissionDenied = true
		r.mu.Unlock()
		log.Warn().Err(err).Str("module", "media").Msg("microphone permission denied")
		r.report(err)
	default:
		log.Error().Err(err).Str("module", "media").Bool("publish", target).Msg("set local audio")
	}
}

func (r *Reconciler) shouldPublishLocked() bool {
	return r.member && r.role.CanPublish() && !r.muted
}

// TrackSubscribed attaches a remote track once.
func (r *Reconciler) TrackSubscribed(t RemoteTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tracks[t.ID]; ok {
		return
	}
	p, err := r.player.Attach(t)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Str("track", t.ID).Msg("attach remote track")
		return
	}
	r.tracks[t.ID] = p
}

// TrackUnsubscribed releases a remote track; unknown ids are ignored.
func (r *Reconciler) TrackUnsubscribed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.tracks[id]; ok {
		delete(r.tracks, id)
		p.Release()
	}
}

// TransportLost tears down local media and, while still a member,
// reconnects in the background with a fresh token.
func (r *Reconciler) TransportLost(err error) {
	r.mu.Lock()
	r.teardownLocked()
	member := r.member
	start := member && !r.reconnecting
	if start {
		r.reconnecting = true
	}
	ctx := r.ctx
	r.mu.Unlock()

	_ = r.transport.Close()
	_ = r.state.Transition(Disconnected)
	log.Warn().Err(err).Str("module", "media").Bool("reconnect", start).Msg("transport lost")
	if !start {
		return
	}
	go func() {
		err := r.connect(ctx)
		r.mu.Lock()
		r.reconnecting = false
		r.mu.Unlock()
		if err != nil {
			log.Error().Err(err).Str("module", "media").Msg("reconnect gave up")
		}
	}()
}

func (r *Reconciler) teardownLocked() {
	for _, p := range r.tracks {
		p.Release()
	}
	r.tracks = make(map[string]Playback)
}

func (r *Reconciler) connect(ctx context.Context) error {
	op := func() (struct{}, error) {
		if !r.isMember() {
			return struct{}{}, backoff.Permanent(errNotMember)
		}
		grant, err := r.tokens.Token(ctx, r.space)
		if err != nil {
			if errors.Is(err, domain.ErrNotParticipant) || errors.Is(err, domain.ErrRoomEnded) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if err := r.state.Transition(Connecting); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err := r.transport.Connect(ctx, grant.TransportURL, grant.Token, r); err != nil {
			_ = r.state.Transition(Disconnected)
			log.Debug().Err(err).Str("module", "media").Msg("connect attempt failed")
			return struct{}{}, err
		}
		return struct{}{}, r.state.Transition(Connected)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.Backoff)),
		backoff.WithMaxTries(r.opts.Attempts),
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotMember):
		return nil
	}
	err = domain.Errorf(domain.ErrTransportUnavailable, "%v", err)
	r.report(err)
	return err
}

func (r *Reconciler) isMember() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.member
}

func (r *Reconciler) report(err error) {
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}

func (r *Reconciler) State() ConnState { return r.state.State() }

func (r *Reconciler) MicPermissionDenied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.micPermissionDenied
}

// ShouldPublish is the derived publish target.
func (r *Reconciler) ShouldPublish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shouldPublishLocked()
}

// Tracks lists attached remote track ids.
func (r *Reconciler) Tracks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tracks))
	for id := range r.tracks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
