// Package sfu forwards speakers' audio between the peer connections of a
// space, gated by each speaker's role and mute state.
package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/metrics"
)

// Peer is the part of a media connection the relay manager drives.
type Peer interface {
	AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveSender(*webrtc.RTPSender) error
	Renegotiate() error
	Close()
}

type peerKey struct {
	space domain.SpaceID
	user  domain.UserID
}

type peerEntry struct {
	conn Peer
	// senders holds one forwarded track per publisher.
	senders map[domain.UserID]*webrtc.RTPSender
}

// RelayManager owns every relay and subscriber peer. Lock order is manager,
// then relay; the manager never calls back into the session registry.
type RelayManager struct {
	mu      sync.Mutex
	peers   map[peerKey]*peerEntry
	relays  map[peerKey]*Relay
	gates   map[peerKey]bool
	metrics *metrics.Metrics
}

func NewRelayManager(m *metrics.Metrics) *RelayManager {
	return &RelayManager{
		peers:   make(map[peerKey]*peerEntry),
		relays:  make(map[peerKey]*Relay),
		gates:   make(map[peerKey]bool),
		metrics: m,
	}
}

// Attach registers the user's peer connection and subscribes it to every
// speaker already publishing in the space. A previous peer of the same user
// is closed.
func (m *RelayManager) Attach(space domain.SpaceID, user domain.UserID, conn Peer) {
	key := peerKey{space, user}
	entry := &peerEntry{conn: conn, senders: make(map[domain.UserID]*webrtc.RTPSender)}

	m.mu.Lock()
	old := m.peers[key]
	m.peers[key] = entry
	added := false
	for k, relay := range m.relays {
		if k.space != space || k.user == user {
			continue
		}
		if m.subscribeLocked(relay, k.user, user, entry) {
			added = true
		}
	}
	m.mu.Unlock()

	if old != nil && old.conn != conn {
		go old.conn.Close()
	}
	log.Info().Str("module", "sfu").Str("space", string(space)).Str("user", string(user)).Msg("peer attached")
	if added {
		renegotiate(conn)
	}
}

// Detach forgets conn if it is still the user's current peer.
func (m *RelayManager) Detach(space domain.SpaceID, user domain.UserID, conn Peer) {
	key := peerKey{space, user}

	m.mu.Lock()
	entry, ok := m.peers[key]
	if !ok || entry.conn != conn {
		m.mu.Unlock()
		return
	}
	delete(m.peers, key)
	if relay, ok := m.relays[key]; ok {
		relay.stop()
		delete(m.relays, key)
		m.metrics.RelayStopped()
	}
	for k, relay := range m.relays {
		if k.space == space {
			relay.MarkSubscriberDelete(user)
		}
	}
	var touched []Peer
	for k, p := range m.peers {
		if k.space != space {
			continue
		}
		if sender, ok := p.senders[user]; ok {
			delete(p.senders, user)
			if err := p.conn.RemoveSender(sender); err != nil {
				log.Debug().Err(err).Str("module", "sfu").Msg("remove sender")
			}
			touched = append(touched, p.conn)
		}
	}
	m.mu.Unlock()

	log.Info().Str("module", "sfu").Str("space", string(space)).Str("user", string(user)).Msg("peer detached")
	for _, p := range touched {
		renegotiate(p)
	}
}

// Publish starts relaying track from user to the rest of the space.
func (m *RelayManager) Publish(ctx context.Context, space domain.SpaceID, user domain.UserID, track *webrtc.TrackRemote) {
	m.publish(ctx, space, user, remoteSource{track}, track.Codec().RTPCodecCapability)
}

func (m *RelayManager) publish(ctx context.Context, space domain.SpaceID, user domain.UserID, src Source, codec webrtc.RTPCodecCapability) *Relay {
	key := peerKey{space, user}
	logger := log.With().
		Str("module", "relay").
		Str("space", string(space)).
		Str("user", string(user)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(src, codec, "audio-"+string(user), string(user), cancel)

	m.mu.Lock()
	if old, ok := m.relays[key]; ok {
		logger.Info().Msg("replacing existing relay")
		old.stop()
		m.metrics.RelayStopped()
	}
	// Until told otherwise a new relay forwards nothing.
	relay.muted = !m.gates[key]
	m.relays[key] = relay
	var touched []Peer
	for k, entry := range m.peers {
		if k.space != space || k.user == user {
			continue
		}
		if m.subscribeLocked(relay, user, k.user, entry) {
			touched = append(touched, entry.conn)
		}
	}
	m.mu.Unlock()

	m.metrics.RelayStarted()
	logger.Info().Bool("muted", relay.muted).Int("subscribers", len(touched)).Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)

	for _, p := range touched {
		renegotiate(p)
	}
	return relay
}

func (m *RelayManager) subscribeLocked(relay *Relay, publisher, subscriber domain.UserID, entry *peerEntry) bool {
	track, err := webrtc.NewTrackLocalStaticRTP(relay.Codec, relay.TrackID, relay.StreamID)
	if err != nil {
		log.Error().Err(err).Str("module", "sfu").Msg("new local track")
		return false
	}
	sender, err := entry.conn.AddLocalTrack(track)
	if err != nil {
		log.Error().Err(err).Str("module", "sfu").Str("subscriber", string(subscriber)).Msg("add local track")
		return false
	}
	if old, ok := entry.senders[publisher]; ok {
		_ = entry.conn.RemoveSender(old)
	}
	entry.senders[publisher] = sender
	relay.AddOutTrack(subscriber, track)
	return true
}

// Gate turns forwarding of user's audio on or off.
func (m *RelayManager) Gate(space domain.SpaceID, user domain.UserID, publish bool) {
	key := peerKey{space, user}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.gates[key]; ok && prev == publish {
		return
	}
	m.gates[key] = publish
	if relay, ok := m.relays[key]; ok {
		relay.SetMuted(!publish)
	}
}

// Evict closes the user's peer connection in space. Closing is asynchronous;
// the connection's close callback detaches it.
func (m *RelayManager) Evict(space domain.SpaceID, user domain.UserID) {
	key := peerKey{space, user}
	m.mu.Lock()
	delete(m.gates, key)
	if relay, ok := m.relays[key]; ok {
		relay.SetMuted(true)
	}
	entry, ok := m.peers[key]
	m.mu.Unlock()
	if ok {
		go entry.conn.Close()
	}
}

// Publishing reports whether user's audio is currently forwarded.
func (m *RelayManager) Publishing(space domain.SpaceID, user domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	relay, ok := m.relays[peerKey{space, user}]
	if !ok {
		return false
	}
	relay.mu.RLock()
	defer relay.mu.RUnlock()
	return !relay.muted
}

// HasRelay reports whether user publishes in space.
func (m *RelayManager) HasRelay(space domain.SpaceID, user domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.relays[peerKey{space, user}]
	return ok
}

// Close stops every relay and peer, for shutdown.
func (m *RelayManager) Close() {
	m.mu.Lock()
	peers := make([]Peer, 0, len(m.peers))
	for _, e := range m.peers {
		peers = append(peers, e.conn)
	}
	for key, relay := range m.relays {
		relay.stop()
		delete(m.relays, key)
		m.metrics.RelayStopped()
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}

func renegotiate(p Peer) {
	if err := p.Renegotiate(); err != nil {
		log.Error().Err(err).Str("module", "sfu").Msg("renegotiate")
	}
}
