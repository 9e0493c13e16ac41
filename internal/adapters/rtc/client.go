package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/media"
)

// Microphone feeds captured audio into track until stop is called. Open
// fails with domain.ErrPermissionDenied when capture is refused.
type Microphone interface {
	Open(track *webrtc.TrackLocalStaticSample) (stop func(), err error)
}

// ClientTransport is the participant side of the media transport.
type ClientTransport struct {
	Config webrtc.Configuration
	Dialer *websocket.Dialer
	Mic    Microphone
	// FeedBuffer bounds packets queued per remote track.
	FeedBuffer int

	mu      sync.Mutex
	session *clientSession
}

var _ media.Transport = (*ClientTransport)(nil)

type clientSession struct {
	pc       *webrtc.PeerConnection
	sock     *mediaSocket
	sender   *webrtc.RTPSender
	local    *webrtc.TrackLocalStaticSample
	listener media.Listener

	enabled bool
	stopMic func()

	lostOnce  sync.Once
	connected chan struct{}
	failed    chan error
	closing   bool
}

func (t *ClientTransport) Connect(ctx context.Context, rawURL, token string, l media.Listener) error {
	endpoint, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	q := endpoint.Query()
	q.Set("token", token)
	endpoint.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("dial media: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(t.Config)
	if err != nil {
		_ = ws.Close()
		return err
	}
	s := &clientSession{
		pc:        pc,
		sock:      &mediaSocket{conn: ws, writeWait: 5 * time.Second},
		listener:  l,
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}
	if err := t.setup(s); err != nil {
		s.shutdown()
		return err
	}

	t.mu.Lock()
	prev := t.session
	t.session = s
	t.mu.Unlock()
	if prev != nil {
		prev.shutdown()
	}

	go t.readLoop(s)

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = s.sock.send(mediaMessage{Type: msgOffer, SDP: offer.SDP})
	}
	if err != nil {
		t.drop(s)
		return err
	}

	select {
	case <-s.connected:
		return nil
	case err := <-s.failed:
		t.drop(s)
		return err
	case <-ctx.Done():
		t.drop(s)
		return ctx.Err()
	}
}

func (t *ClientTransport) setup(s *clientSession) error {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "local",
	)
	if err != nil {
		return err
	}
	tr, err := s.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return err
	}
	s.local = local
	s.sender = tr.Sender()

	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.sock.send(candidateMessage(c.ToJSON())); err != nil {
			log.Debug().Err(err).Str("module", "media.client").Msg("send candidate")
		}
	})
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debug().Str("module", "media.client").Str("peer_connection_state", st.String()).Msg("peer state")
		switch st {
		case webrtc.PeerConnectionStateConnected:
			select {
			case <-s.connected:
			default:
				close(s.connected)
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			t.lost(s, fmt.Errorf("peer connection %s", st))
		}
	})
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		feed := make(chan *rtp.Packet, t.feedBuffer())
		s.listener.TrackSubscribed(media.RemoteTrack{
			ID:     track.ID(),
			User:   domain.UserID(track.StreamID()),
			Source: (<-chan *rtp.Packet)(feed),
		})
		go t.pump(s, track, feed)
	})
	return nil
}

func (t *ClientTransport) feedBuffer() int {
	if t.FeedBuffer <= 0 {
		return 64
	}
	return t.FeedBuffer
}

// pump reads a remote track until the server stops forwarding it. A full
// feed drops packets rather than stalling the receiver. Tracks of a
// replaced session end silently; the listener already reset them.
func (t *ClientTransport) pump(s *clientSession, track *webrtc.TrackRemote, feed chan *rtp.Packet) {
	defer func() {
		close(feed)
		if t.current(s) {
			s.listener.TrackUnsubscribed(track.ID())
		}
	}()
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "media.client").Str("track", track.ID()).Msg("remote track ended")
			}
			return
		}
		select {
		case feed <- pkt:
		default:
		}
	}
}

// readLoop answers server renegotiations and applies remote candidates.
func (t *ClientTransport) readLoop(s *clientSession) {
	for {
		_, data, err := s.sock.conn.ReadMessage()
		if err != nil {
			t.lost(s, fmt.Errorf("media socket: %w", err))
			return
		}
		m, err := decodeMediaMessage(data)
		if err != nil {
			continue
		}
		switch m.Type {
		case msgAnswer:
			if err := s.pc.SetRemoteDescription(m.description()); err != nil {
				t.lost(s, err)
				return
			}
		case msgOffer:
			if err := s.answer(m.description()); err != nil {
				t.lost(s, err)
				return
			}
		case msgCandidate:
			if err := s.pc.AddICECandidate(m.candidate()); err != nil {
				log.Debug().Err(err).Str("module", "media.client").Msg("add ice candidate")
			}
		}
	}
}

func (s *clientSession) answer(offer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.sock.send(mediaMessage{Type: msgAnswer, SDP: answer.SDP})
}

func (t *ClientTransport) current(s *clientSession) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session == s && !s.closing
}

// lost reports a dropped session once, and only if it is still current.
func (t *ClientTransport) lost(s *clientSession, err error) {
	if !t.current(s) {
		select {
		case s.failed <- err:
		default:
		}
		return
	}
	select {
	case <-s.connected:
	default:
		// Still inside Connect: fail the attempt instead.
		select {
		case s.failed <- err:
		default:
		}
		return
	}
	s.lostOnce.Do(func() { s.listener.TransportLost(err) })
}

func (t *ClientTransport) drop(s *clientSession) {
	t.mu.Lock()
	if t.session == s {
		t.session = nil
	}
	s.closing = true
	t.mu.Unlock()
	s.shutdown()
}

// SetLocalAudioEnabled swaps the microphone track in and out of the
// established sender; no renegotiation is needed.
func (t *ClientTransport) SetLocalAudioEnabled(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	if s == nil {
		return domain.Errorf(domain.ErrTransportUnavailable, "media transport not connected")
	}
	if s.enabled == enabled {
		return nil
	}
	if !enabled {
		if err := s.sender.ReplaceTrack(nil); err != nil {
			return err
		}
		s.stopMicLocked()
		s.enabled = false
		return nil
	}
	if t.Mic == nil {
		return domain.Errorf(domain.ErrPermissionDenied, "no microphone")
	}
	stop, err := t.Mic.Open(s.local)
	if err != nil {
		return err
	}
	if err := s.sender.ReplaceTrack(s.local); err != nil {
		stop()
		return err
	}
	s.stopMic = stop
	s.enabled = true
	return nil
}

func (s *clientSession) stopMicLocked() {
	if s.stopMic != nil {
		s.stopMic()
		s.stopMic = nil
	}
}

func (t *ClientTransport) Close() error {
	t.mu.Lock()
	s := t.session
	t.session = nil
	if s != nil {
		s.closing = true
		s.stopMicLocked()
	}
	t.mu.Unlock()
	if s != nil {
		s.shutdown()
	}
	return nil
}

func (s *clientSession) shutdown() {
	if err := s.pc.Close(); err != nil {
		log.Debug().Err(err).Str("module", "media.client").Msg("close peer connection")
	}
	_ = s.sock.close()
}
