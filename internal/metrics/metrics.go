// Package metrics exposes the proxy's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors exported at /metrics. A nil *Metrics is
// safe to call methods on (all become no-ops), so components can be
// constructed without metrics wired in tests.
type Metrics struct {
	State              *prometheus.GaugeVec
	ScaleAttempts      *prometheus.CounterVec
	ScaleDuration      *prometheus.HistogramVec
	GateWaitDuration   prometheus.Histogram
	ConnectionsProxied prometheus.Counter
	BytesToBackend     prometheus.Counter
	BytesFromBackend   prometheus.Counter
}

// New creates and registers the proxy's metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sero",
			Name:      "controller_state",
			Help:      "1 for the controller's current state, 0 for the others, labeled by state name.",
		}, []string{"state"}),
		ScaleAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sero",
			Name:      "scale_attempts_total",
			Help:      "Count of scale attempts, labeled by direction (up/down) and outcome (success/failure).",
		}, []string{"direction", "outcome"}),
		ScaleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sero",
			Name:      "scale_duration_seconds",
			Help:      "Time spent in a scale operation, labeled by direction.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		GateWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sero",
			Name:      "gate_wait_seconds",
			Help:      "Time an accepted connection spent parked waiting for the backend to come up.",
			Buckets:   prometheus.DefBuckets,
		}),
		ConnectionsProxied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sero",
			Name:      "connections_proxied_total",
			Help:      "Count of client connections successfully proxied to the backend.",
		}),
		BytesToBackend: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sero",
			Name:      "bytes_to_backend_total",
			Help:      "Bytes copied from client to backend.",
		}),
		BytesFromBackend: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sero",
			Name:      "bytes_from_backend_total",
			Help:      "Bytes copied from backend to client.",
		}),
	}

	reg.MustRegister(
		m.State, m.ScaleAttempts, m.ScaleDuration, m.GateWaitDuration,
		m.ConnectionsProxied, m.BytesToBackend, m.BytesFromBackend,
	)
	return m
}

// AllStates lists every controller state name, for SetState's gauge reset.
var AllStates = []string{"up", "activating", "down", "deactivating"}

// SetState updates the controller-state gauge so exactly one state reads 1.
func (m *Metrics) SetState(current string) {
	if m == nil {
		return
	}
	for _, s := range AllStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// RecordScaleAttempt records one scale attempt's outcome.
func (m *Metrics) RecordScaleAttempt(direction, outcome string) {
	if m == nil {
		return
	}
	m.ScaleAttempts.WithLabelValues(direction, outcome).Inc()
}

// ObserveScaleDuration records how long a scale operation took.
func (m *Metrics) ObserveScaleDuration(direction string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScaleDuration.WithLabelValues(direction).Observe(d.Seconds())
}

// ObserveGateWait records how long a connection was parked on the gate.
func (m *Metrics) ObserveGateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.GateWaitDuration.Observe(d.Seconds())
}

// IncConnectionsProxied counts one successfully forwarded connection.
func (m *Metrics) IncConnectionsProxied() {
	if m == nil {
		return
	}
	m.ConnectionsProxied.Inc()
}

// AddBytes accumulates bytes copied in each direction.
func (m *Metrics) AddBytes(toBackend, fromBackend int64) {
	if m == nil {
		return
	}
	m.BytesToBackend.Add(float64(toBackend))
	m.BytesFromBackend.Add(float64(fromBackend))
}
