// Package metrics exposes coordinator counters to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "spaces"

const (
	OutcomeAccepted = "accepted"
	OutcomeLimited  = "rate_limited"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

// Metrics groups every collector of the server process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	handleSeconds *prometheus.HistogramVec
	connections   prometheus.Gauge
	sessions      prometheus.Gauge
	dropped       prometheus.Counter
	persistErrors *prometheus.CounterVec
	relays        prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "events_total",
			Help: "Inbound events by name and outcome.",
		}, []string{"event", "outcome"}),
		handleSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "handle_seconds",
			Help:    "Time spent applying an accepted event.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"event"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "signal", Name: "connections",
			Help: "Open event channel connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "active_sessions",
			Help: "Spaces currently holding a session.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "signal", Name: "backpressure_drops_total",
			Help: "Frames not delivered because a connection queue was full.",
		}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "write_errors_total",
			Help: "Failed write-behind operations by kind.",
		}, []string{"kind"}),
		relays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sfu", Name: "relays",
			Help: "Speaker tracks being forwarded.",
		}),
	}
}

// Register adds every collector to reg; already registered collectors are
// accepted.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.events, m.handleSeconds, m.connections, m.sessions, m.dropped, m.persistErrors, m.relays,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) Event(event, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Handled(event string, d time.Duration) {
	if m == nil {
		return
	}
	m.handleSeconds.WithLabelValues(event).Observe(d.Seconds())
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) Sessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) Dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.Add(float64(n))
}

func (m *Metrics) PersistFailed(kind string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RelayStarted() {
	if m == nil {
		return
	}
	m.relays.Inc()
}

func (m *Metrics) RelayStopped() {
	if m == nil {
		return
	}
	m.relays.Dec()
}
