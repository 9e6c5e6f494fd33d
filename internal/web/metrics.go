package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the server's Prometheus collectors. Each Metrics owns its
// registry so several handlers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	rowsApplied  prometheus.Counter
	rowsFailed   prometheus.Counter
	conflicts    prometheus.Counter
	rowsServed   prometheus.Counter
}

// NewMetrics creates the collectors. activeSessions is sampled at scrape
// time; it may be nil.
func NewMetrics(activeSessions func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rowsync_steps_total",
			Help: "Session steps served, by step and outcome",
		}, []string{"step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rowsync_step_duration_seconds",
			Help:    "Time spent serving a session step",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		rowsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rowsync_rows_applied_total",
			Help: "Uploaded rows written to the server database",
		}),
		rowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rowsync_rows_failed_total",
			Help: "Uploaded rows that could not be applied",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rowsync_conflicts_resolved_total",
			Help: "Conflicts resolved while applying uploads",
		}),
		rowsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rowsync_rows_served_total",
			Help: "Rows sent to clients in download parts",
		}),
	}
	m.registry.MustRegister(m.steps, m.stepDuration, m.rowsApplied, m.rowsFailed, m.conflicts, m.rowsServed)
	if activeSessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "rowsync_sessions_active",
			Help: "Scope and client pairs holding a session lease",
		}, func() float64 { return float64(activeSessions()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
