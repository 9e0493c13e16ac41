package media

import (
	"fmt"
	"sync"
)

// ConnState is the media transport's connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// TransitionFunc observes a state change. It runs after the state lock is
// released.
type TransitionFunc func(from, to ConnState)

// StateMachine guards disconnected -> connecting -> connected. Either active
// state may fall back to disconnected; nothing else is legal.
type StateMachine struct {
	mu        sync.Mutex
	state     ConnState
	listeners []TransitionFunc
}

func (m *StateMachine) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func legal(from, to ConnState) bool {
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected || to == Disconnected
	case Connected:
		return to == Disconnected
	}
	return false
}

// Transition moves to the next state or reports why it cannot.
func (m *StateMachine) Transition(to ConnState) error {
	m.mu.Lock()
	from := m.state
	if !legal(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("media: illegal transition %s -> %s", from, to)
	}
	m.state = to
	listeners := append([]TransitionFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(from, to)
	}
	return nil
}
