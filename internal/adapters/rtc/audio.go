package rtc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/media"
)

// opusSilence is a single 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceMicrophone emits Opus silence, for headless participants.
type SilenceMicrophone struct {
	Frame time.Duration
}

func (m SilenceMicrophone) Open(track *webrtc.TrackLocalStaticSample) (func(), error) {
	frame := m.Frame
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frame}); err != nil {
					log.Debug().Err(err).Str("module", "media.client").Msg("write sample")
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// DeniedMicrophone refuses capture.
type DeniedMicrophone struct{}

func (DeniedMicrophone) Open(*webrtc.TrackLocalStaticSample) (func(), error) {
	return nil, domain.Errorf(domain.ErrPermissionDenied, "microphone access refused")
}

var errNotAFeed = errors.New("rtc: remote track has no packet feed")

// MeterPlayer consumes remote tracks and counts what each speaker sent.
type MeterPlayer struct {
	mu     sync.Mutex
	counts map[domain.UserID]*atomic.Uint64
}

var _ media.Player = (*MeterPlayer)(nil)

func NewMeterPlayer() *MeterPlayer {
	return &MeterPlayer{counts: make(map[domain.UserID]*atomic.Uint64)}
}

func (p *MeterPlayer) Attach(t media.RemoteTrack) (media.Playback, error) {
	feed, ok := t.Source.(<-chan *rtp.Packet)
	if !ok {
		return nil, errNotAFeed
	}
	p.mu.Lock()
	n, ok := p.counts[t.User]
	if !ok {
		n = &atomic.Uint64{}
		p.counts[t.User] = n
	}
	p.mu.Unlock()

	pb := &meterPlayback{}
	go func() {
		for range feed {
			if !pb.released.Load() {
				n.Add(1)
			}
		}
	}()
	log.Info().Str("module", "media.client").Str("speaker", string(t.User)).Str("track", t.ID).Msg("playing")
	return pb, nil
}

// Packets returns how many packets were played per speaker.
func (p *MeterPlayer) Packets() map[domain.UserID]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[domain.UserID]uint64, len(p.counts))
	for u, n := range p.counts {
		out[u] = n.Load()
	}
	return out
}

type meterPlayback struct {
	released atomic.Bool
}

func (pb *meterPlayback) Release() { pb.released.Store(true) }
