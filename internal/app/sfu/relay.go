package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/spaces/internal/domain"
)

// Source yields the RTP packets of a published track.
type Source interface {
	ReadRTP() (*rtp.Packet, error)
}

type remoteSource struct {
	track *webrtc.TrackRemote
}

func (s remoteSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

// Relay forwards one speaker's audio to every subscriber in the space.
type Relay struct {
	Src      Source
	Codec    webrtc.RTPCodecCapability
	TrackID  string
	StreamID string

	mu        sync.RWMutex
	outTracks map[domain.UserID]*OutTrack
	muted     bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src Source, codec webrtc.RTPCodecCapability, trackID, streamID string, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		Codec:     codec,
		TrackID:   trackID,
		StreamID:  streamID,
		outTracks: make(map[domain.UserID]*OutTrack),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all OutTracks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.Src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay source closed, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[domain.UserID]*OutTrack, len(r.outTracks))
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.UserID, 0)
	for dst, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, dst)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("dst", string(dst)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, dst)
			}
		}
	}

	if len(dirty) > 0 {
		r.cleanupDeleted(dirty, snapshot)
	}
}

// cleanupDeleted only removes entries that were not replaced meanwhile.
func (r *Relay) cleanupDeleted(dirty []domain.UserID, seen map[domain.UserID]*OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, uid := range dirty {
		if r.outTracks[uid] == seen[uid] {
			delete(r.outTracks, uid)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

// AddOutTrack subscribes dst; the track starts muted while the relay is gated.
func (r *Relay) AddOutTrack(dst domain.UserID, track rtpWriter) *OutTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := TrackStateOk
	if r.muted {
		state = TrackStateMuted
	}
	if old, ok := r.outTracks[dst]; ok {
		old.MarkDelete()
	}
	ot := NewOutTrack(track, state)
	r.outTracks[dst] = ot
	return ot
}

func (r *Relay) MarkSubscriberDelete(dst domain.UserID) {
	r.mu.RLock()
	ot, ok := r.outTracks[dst]
	r.mu.RUnlock()
	if ok {
		ot.MarkDelete()
	}
}

// SetMuted gates every current and future out track.
func (r *Relay) SetMuted(muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.muted = muted
	for _, ot := range r.outTracks {
		if muted {
			ot.MarkMuted()
		} else {
			ot.MarkOk()
		}
	}
}

func (r *Relay) Subscribers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outTracks)
}

func (r *Relay) stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
}
