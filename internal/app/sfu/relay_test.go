package sfu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/spaces/internal/domain"
)

var opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

type chanSource chan *rtp.Packet

func (s chanSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-s
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

type countingWriter struct {
	mu   sync.Mutex
	n    int
	fail bool
}

func (w *countingWriter) WriteRTP(*rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("closed pipe")
	}
	w.n++
	return nil
}

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

type fakePeer struct {
	mu           sync.Mutex
	tracks       []webrtc.TrackLocal
	removed      int
	renegotiated int
	closed       chan struct{}
	closeOnce    sync.Once
}

func newFakePeer() *fakePeer { return &fakePeer{closed: make(chan struct{})} }

func (p *fakePeer) AddLocalTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return &webrtc.RTPSender{}, nil
}

func (p *fakePeer) RemoveSender(*webrtc.RTPSender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed++
	return nil
}

func (p *fakePeer) Renegotiate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.renegotiated++
	return nil
}

func (p *fakePeer) Close() { p.closeOnce.Do(func() { close(p.closed) }) }

func (p *fakePeer) stats() (tracks, removed, renegotiated int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks), p.removed, p.renegotiated
}

func TestRelayForwardsByState(t *testing.T) {
	src := make(chanSource)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRelay(src, opus, "audio-a", "a", cancel)

	ok, muted, broken := &countingWriter{}, &countingWriter{}, &countingWriter{fail: true}
	r.AddOutTrack("ok", ok)
	r.AddOutTrack("muted", muted).MarkMuted()
	r.AddOutTrack("broken", broken)

	logger := testLogger()
	go r.loop(ctx, &logger)
	src <- &rtp.Packet{}
	src <- &rtp.Packet{}
	close(src)
	<-r.done

	assert.Equal(t, 2, ok.count())
	assert.Zero(t, muted.count())
	assert.Equal(t, 2, r.Subscribers(), "the failing track is dropped")
}

func TestRelayGateAppliesToNewSubscribers(t *testing.T) {
	r := NewRelay(make(chanSource), opus, "audio-a", "a", nil)
	r.SetMuted(true)
	ot := r.AddOutTrack("late", &countingWriter{})
	assert.Equal(t, TrackStateMuted, ot.GetState())

	r.SetMuted(false)
	assert.Equal(t, TrackStateOk, ot.GetState())

	ot.MarkDelete()
	r.SetMuted(true)
	r.SetMuted(false)
	assert.Equal(t, TrackStateDelete, ot.GetState(), "delete is terminal")
}

func TestManagerSubscribesPeersBothWays(t *testing.T) {
	m := NewRelayManager(nil)
	alice, bob, other := newFakePeer(), newFakePeer(), newFakePeer()
	m.Attach("s", "alice", alice)
	m.Attach("x", "zed", other)

	src := make(chanSource)
	defer close(src)
	m.Gate("s", "alice", true)
	m.publish(context.Background(), "s", "alice", src, opus)
	require.True(t, m.Publishing("s", "alice"))

	m.Attach("s", "bob", bob)
	tracks, _, renegotiated := bob.stats()
	assert.Equal(t, 1, tracks, "a late peer receives existing speakers")
	assert.Equal(t, 1, renegotiated)

	tracks, _, _ = alice.stats()
	assert.Zero(t, tracks, "no echo of the speaker's own audio")
	tracks, _, _ = other.stats()
	assert.Zero(t, tracks, "other spaces are untouched")
}

func TestManagerGateAndEvict(t *testing.T) {
	m := NewRelayManager(nil)
	alice, bob := newFakePeer(), newFakePeer()
	m.Attach("s", "alice", alice)
	m.Attach("s", "bob", bob)

	src := make(chanSource)
	defer close(src)
	m.publish(context.Background(), "s", "alice", src, opus)
	assert.False(t, m.Publishing("s", "alice"), "relays start gated")
	tracks, _, _ := bob.stats()
	require.Equal(t, 1, tracks)

	m.Gate("s", "alice", true)
	assert.True(t, m.Publishing("s", "alice"))
	m.Gate("s", "alice", false)
	assert.False(t, m.Publishing("s", "alice"))

	m.Evict("s", "alice")
	select {
	case <-alice.closed:
	case <-time.After(time.Second):
		t.Fatal("evicted peer was not closed")
	}
	m.Detach("s", "alice", alice)
	assert.False(t, m.HasRelay("s", "alice"))
	_, removed, _ := bob.stats()
	assert.Equal(t, 1, removed)
}

func TestDetachIgnoresReplacedPeer(t *testing.T) {
	m := NewRelayManager(nil)
	first, second := newFakePeer(), newFakePeer()
	m.Attach("s", "alice", first)
	m.Attach("s", "alice", second)

	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("replaced peer was not closed")
	}
	src := make(chanSource)
	defer close(src)
	m.publish(context.Background(), "s", "alice", src, opus)

	m.Detach("s", "alice", first)
	assert.True(t, m.HasRelay("s", "alice"))

	m.Detach("s", domain.UserID("alice"), second)
	assert.False(t, m.HasRelay("s", "alice"))
}

func testLogger() zerolog.Logger { return zerolog.Nop() }
