package rtc

import (
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const (
	msgOffer     = "offer"
	msgAnswer    = "answer"
	msgCandidate = "candidate"
)

var errBadMessage = errors.New("rtc: malformed media signaling message")

// mediaMessage is one frame of the media WebSocket.
type mediaMessage struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        string  `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func candidateMessage(ci webrtc.ICECandidateInit) mediaMessage {
	m := mediaMessage{Type: msgCandidate, Candidate: ci.Candidate, SDPMLineIndex: ci.SDPMLineIndex}
	if ci.SDPMid != nil {
		m.SDPMid = *ci.SDPMid
	}
	return m
}

func (m mediaMessage) candidate() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMLineIndex: m.SDPMLineIndex}
	if m.SDPMid != "" {
		mid := m.SDPMid
		ci.SDPMid = &mid
	}
	return ci
}

func (m mediaMessage) description() webrtc.SessionDescription {
	t := webrtc.SDPTypeOffer
	if m.Type == msgAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: t, SDP: m.SDP}
}

func decodeMediaMessage(data []byte) (mediaMessage, error) {
	var m mediaMessage
	if err := sonic.Unmarshal(data, &m); err != nil {
		return m, errors.Join(errBadMessage, err)
	}
	switch m.Type {
	case msgOffer, msgAnswer, msgCandidate:
		return m, nil
	}
	return m, errBadMessage
}

// mediaSocket serializes writes to a media WebSocket. Pion fires ICE
// callbacks from its own goroutines.
type mediaSocket struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
}

func (s *mediaSocket) send(m mediaMessage) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *mediaSocket) close() error { return s.conn.Close() }
