// Package metrics exposes tracker activity as Prometheus metrics. A
// [Sessions] collector observes session row changes; the HTTP API serves
// the registry on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nugget/dwell/internal/session"
)

const namespace = "dwell"

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Sessions counts session rows per stream. It implements
// session.Observer and is safe for concurrent use.
type Sessions struct {
	Opened    *prometheus.CounterVec
	Closed    *prometheus.CounterVec
	Discarded *prometheus.CounterVec
	Open      *prometheus.GaugeVec
	Duration  *prometheus.HistogramVec
}

var _ session.Observer = (*Sessions)(nil)

// NewSessions registers the session metrics with reg.
func NewSessions(reg prometheus.Registerer) *Sessions {
	f := promauto.With(reg)
	return &Sessions{
		Opened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Session rows inserted, including rows opened by hour splits.",
		}, []string{"stream"}),
		Closed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Session rows that received an end time.",
		}, []string{"stream"}),
		Discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "discarded_total",
			Help:      "Premature hour-split rows deleted by a retroactive close.",
		}, []string{"stream"}),
		Open: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "open",
			Help:      "Session rows currently open.",
		}, []string{"stream"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "duration_seconds",
			Help:      "Length of closed session rows.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
		}, []string{"stream"}),
	}
}

func (m *Sessions) SessionOpened(s session.Session) {
	stream := string(s.Stream)
	m.Opened.WithLabelValues(stream).Inc()
	m.Open.WithLabelValues(stream).Inc()
}

func (m *Sessions) SessionClosed(s session.Session) {
	stream := string(s.Stream)
	m.Closed.WithLabelValues(stream).Inc()
	m.Duration.WithLabelValues(stream).Observe(s.Duration.Seconds())
	// Idle rows are written already closed.
	if !s.IsIdle {
		m.Open.WithLabelValues(stream).Dec()
	}
}

// SessionDiscarded drops the deleted row from the open gauge. A restored
// predecessor is counted again through SessionOpened.
func (m *Sessions) SessionDiscarded(s session.Session) {
	stream := string(s.Stream)
	m.Discarded.WithLabelValues(stream).Inc()
	m.Open.WithLabelValues(stream).Dec()
}
