// Package ratelimit implements per-connection, per-event fixed-window
// admission control for the event channel.
package ratelimit

import (
	"sync"
	"time"
)

// Rule allows Max events per Window.
type Rule struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

type Config struct {
	Default Rule            `mapstructure:"default"`
	Events  map[string]Rule `mapstructure:"events"`
}

// DefaultConfig returns the stock limits: 20/10s for membership, role and
// mute events, 10/10s for room subscriptions, 5/10s for bulk operations and
// 30/10s for anything else.
func DefaultConfig() Config {
	w := 10 * time.Second
	cfg := Config{
		Default: Rule{Max: 30, Window: w},
		Events:  make(map[string]Rule),
	}
	for _, ev := range []string{
		"space:join", "space:leave", "space:start", "space:end", "audio:mute",
		"speaker:request", "speaker:approve", "speaker:deny", "speaker:remove",
	} {
		cfg.Events[ev] = Rule{Max: 20, Window: w}
	}
	cfg.Events["space:subscribe"] = Rule{Max: 10, Window: w}
	cfg.Events["space:unsubscribe"] = Rule{Max: 10, Window: w}
	cfg.Events["speaker:deny:all"] = Rule{Max: 5, Window: w}
	return cfg
}

// Merge fills events missing from cfg with the rules from base.
func (cfg Config) Merge(base Config) Config {
	out := Config{Default: cfg.Default, Events: make(map[string]Rule, len(base.Events))}
	if out.Default.Max <= 0 {
		out.Default = base.Default
	}
	for ev, r := range base.Events {
		out.Events[ev] = r
	}
	for ev, r := range cfg.Events {
		out.Events[ev] = r
	}
	return out
}

// window is the ConnectionRateState of one (connection, event) pair.
type window struct {
	count   int
	resetAt time.Time
}

type connState struct {
	mu      sync.Mutex
	byEvent map[string]*window
}

// Limiter is a fixed-window counter. A burst of up to 2*Max events can pass
// across a window boundary.
type Limiter struct {
	cfg   Config
	now   func() time.Time
	conns sync.Map // connection id -> *connState
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Default.Max <= 0 {
		cfg.Default.Max = 30
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = 10 * time.Second
	}
	l := &Limiter{cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// defaultBucket holds the single shared window of every unlisted event.
const defaultBucket = "*"

// RuleFor returns the effective rule for an event name.
func (l *Limiter) RuleFor(event string) Rule {
	r, ok := l.cfg.Events[event]
	if !ok {
		return l.cfg.Default
	}
	if r.Max <= 0 {
		r.Max = l.cfg.Default.Max
	}
	if r.Window <= 0 {
		r.Window = l.cfg.Default.Window
	}
	return r
}

// Allow records one event for the connection and reports whether it is
// admitted. Events without their own rule count against one shared window.
// Connections never contend with each other.
func (l *Limiter) Allow(connID, event string) bool {
	rule := l.RuleFor(event)
	if _, listed := l.cfg.Events[event]; !listed {
		event = defaultBucket
	}
	st := l.state(connID)
	now := l.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	w, ok := st.byEvent[event]
	if !ok || !now.Before(w.resetAt) {
		st.byEvent[event] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return true
	}
	w.count++
	return w.count <= rule.Max
}

// Forget drops all windows of a closed connection.
func (l *Limiter) Forget(connID string) {
	l.conns.Delete(connID)
}

// Tracked reports whether any window exists for the connection.
func (l *Limiter) Tracked(connID string) bool {
	_, ok := l.conns.Load(connID)
	return ok
}

func (l *Limiter) state(connID string) *connState {
	if v, ok := l.conns.Load(connID); ok {
		return v.(*connState)
	}
	v, _ := l.conns.LoadOrStore(connID, &connState{byEvent: make(map[string]*window)})
	return v.(*connState)
}
