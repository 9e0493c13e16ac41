package rtc

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/app/sfu"
	"github.com/dkeye/spaces/internal/domain"
)

// TokenVerifier resolves a media token to the identity it admits.
type TokenVerifier interface {
	Verify(token string) (domain.SpaceID, domain.UserID, error)
}

// Relays is what the media endpoint feeds peers and tracks into.
type Relays interface {
	Attach(space domain.SpaceID, user domain.UserID, conn sfu.Peer)
	Detach(space domain.SpaceID, user domain.UserID, conn sfu.Peer)
	Publish(ctx context.Context, space domain.SpaceID, user domain.UserID, track *webrtc.TrackRemote)
}

var _ Relays = (*sfu.RelayManager)(nil)

// MediaWSController terminates the media transport: one WebSocket carries
// the SDP and ICE exchange of one peer connection.
type MediaWSController struct {
	Verifier  TokenVerifier
	Relays    Relays
	Config    webrtc.Configuration
	WriteWait time.Duration
}

var mediaUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (ctl *MediaWSController) HandleMedia(ctx context.Context, c *gin.Context) {
	space, uid, err := ctl.Verifier.Verify(c.Query("token"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ws, err := mediaUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "media").Msg("ws upgrade")
		return
	}
	writeWait := ctl.WriteWait
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	sock := &mediaSocket{conn: ws, writeWait: writeWait}
	logger := log.With().
		Str("module", "media").
		Str("space", string(space)).
		Str("user", string(uid)).
		Logger()

	wc, err := NewWebRTCConnection(ctl.Config, string(uid))
	if err != nil {
		logger.Error().Err(err).Msg("webrtc new pc")
		_ = sock.close()
		return
	}
	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := sock.send(candidateMessage(ci)); err != nil {
			logger.Debug().Err(err).Msg("send candidate")
		}
	})
	wc.OnOffer(func(sd webrtc.SessionDescription) {
		if err := sock.send(mediaMessage{Type: msgOffer, SDP: sd.SDP}); err != nil {
			logger.Debug().Err(err).Msg("send offer")
		}
	})
	wc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		ctl.Relays.Publish(trackCtx, space, uid, track)
	})
	wc.OnClosed(func() {
		ctl.Relays.Detach(space, uid, wc)
		_ = sock.close()
	})
	if err := wc.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("webrtc start")
		wc.Close()
		return
	}
	logger.Info().Msg("media session opened")

	go ctl.readLoop(sock, wc, space, uid, logger)
}

// readLoop applies the client's half of the exchange. The client offers
// once; every later offer comes from the server.
func (ctl *MediaWSController) readLoop(sock *mediaSocket, wc *WebRTCConnection, space domain.SpaceID, uid domain.UserID, logger zerolog.Logger) {
	defer wc.Close()
	attached := false
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("media socket closed")
			return
		}
		m, err := decodeMediaMessage(data)
		if err != nil {
			logger.Debug().Err(err).Msg("dropping media message")
			continue
		}
		switch m.Type {
		case msgOffer:
			answer, err := wc.ApplyOfferAndCreateAnswer(m.description())
			if err != nil {
				logger.Error().Err(err).Msg("webrtc apply offer")
				return
			}
			if err := sock.send(mediaMessage{Type: msgAnswer, SDP: answer.SDP}); err != nil {
				logger.Debug().Err(err).Msg("send answer")
				return
			}
			if !attached {
				ctl.Relays.Attach(space, uid, wc)
				attached = true
			}
			if err := wc.ResumeNegotiation(); err != nil {
				logger.Error().Err(err).Msg("resume negotiation")
			}
		case msgAnswer:
			if err := wc.ApplyAnswer(m.description()); err != nil {
				logger.Error().Err(err).Msg("webrtc apply answer")
			}
		case msgCandidate:
			if err := wc.AddICECandidate(m.candidate()); err != nil {
				logger.Debug().Err(err).Msg("add ice candidate")
			}
		}
	}
}
