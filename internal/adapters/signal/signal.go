// Package signal implements the space event channel over WebSocket.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func OptionsFrom(cfg config.ServerConfig) Options {
	return Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait(),
		WriteWait:  cfg.WriteWait,
		SendBuffer: cfg.SendBuffer,
	}
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32 << 10
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = o.PingPeriod * 10 / 9
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	return o
}

type WsSignalConn struct {
	id   core.ConnID
	user domain.UserID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

// Hub is the WebSocket EventChannel. Broadcast targets come from the room
// index; the hub itself only knows open connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*WsSignalConn

	index core.RoomIndex
	opts  Options

	onOpen    core.OpenHandler
	onMessage core.MessageHandler
	onClose   core.CloseHandler
}

var _ core.EventChannel = (*Hub)(nil)

func NewHub(index core.RoomIndex, opts Options) *Hub {
	return &Hub{
		conns: make(map[core.ConnID]*WsSignalConn),
		index: index,
		opts:  opts.withDefaults(),
	}
}

// Handlers must be installed before the hub serves connections.
func (h *Hub) OnOpen(fn core.OpenHandler)       { h.onOpen = fn }
func (h *Hub) OnMessage(fn core.MessageHandler) { h.onMessage = fn }
func (h *Hub) OnClose(fn core.CloseHandler)     { h.onClose = fn }

func (h *Hub) lookup(id core.ConnID) (*WsSignalConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) Send(id core.ConnID, frame core.Frame) error {
	c, ok := h.lookup(id)
	if !ok {
		return core.ErrUnknownConn
	}
	return c.TrySend(frame)
}

func (h *Hub) Broadcast(space domain.SpaceID, frame core.Frame) core.PublishResult {
	var res core.PublishResult
	for _, id := range h.index.Subscribers(space) {
		err := h.Send(id, frame)
		switch {
		case err == nil:
			res.SendTo++
		case errors.Is(err, core.ErrBackpressure):
			res.Dropped = append(res.Dropped, id)
		}
	}
	return res
}

// Disconnect closes the socket; the read pump then reports the close.
func (h *Hub) Disconnect(id core.ConnID) {
	if c, ok := h.lookup(id); ok {
		c.Close()
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*WsSignalConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request; the client identity was resolved by
// the client token middleware.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	user := domain.UserID(c.GetString("client_token"))
	if !user.Valid() {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing client identity"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:   core.ConnID(uuid.NewString()),
		user: user,
		conn: ws,
		send: make(chan core.Frame, h.opts.SendBuffer),
	}
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("user", string(user)).Msg("new WS connection")

	if h.onOpen != nil {
		h.onOpen(conn.id, user)
	}

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, conn)
}

func (h *Hub) remove(id core.ConnID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}
