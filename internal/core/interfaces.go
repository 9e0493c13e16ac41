package core

import (
	"errors"

	"github.com/dkeye/spaces/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
	ErrUnknownConn  = errors.New("unknown connection")
)

// Frame is one encoded event on the channel.
type Frame []byte

// ConnID identifies one client connection of the event channel.
type ConnID string

// SignalConnection abstracts a single client's outbound queue.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// PublishResult reports delivery stats/backpressure to the dispatcher.
type PublishResult struct {
	SendTo  int
	Dropped []ConnID
}

type (
	OpenHandler    func(conn ConnID, user domain.UserID)
	MessageHandler func(conn ConnID, frame Frame)
	CloseHandler   func(conn ConnID)
)

// EventChannel is the room-scoped real-time channel. Send and Broadcast
// only enqueue; they never wait on the network.
type EventChannel interface {
	Send(conn ConnID, frame Frame) error
	Broadcast(space domain.SpaceID, frame Frame) PublishResult
	OnOpen(OpenHandler)
	OnMessage(MessageHandler)
	OnClose(CloseHandler)
	// Disconnect closes the connection; the close handler fires afterwards
	// on the connection's own goroutine.
	Disconnect(conn ConnID)
}

// RoomIndex resolves which connections receive a room's broadcasts.
type RoomIndex interface {
	Subscribers(space domain.SpaceID) []ConnID
}

// Emitter receives every committed registry change while the room lock is
// still held. Implementations must not block.
type Emitter interface {
	Emit(domain.Change)
}

type EmitterFunc func(domain.Change)

func (f EmitterFunc) Emit(c domain.Change) { f(c) }
