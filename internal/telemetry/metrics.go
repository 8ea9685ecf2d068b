package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "specforge"

// Collector outcome labels.
const (
	OutcomeResolved      = "resolved"
	OutcomeTimeout       = "timeout"
	OutcomeSessionExited = "session_exited"
	OutcomeSuperseded    = "superseded"
	OutcomeDisarmed      = "disarmed"
)

// Metrics holds the Prometheus collectors exported at /metrics. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	sessionsActive    prometheus.Gauge
	collectorOutcomes *prometheus.CounterVec
	phases            *prometheus.CounterVec
	phaseDuration     *prometheus.HistogramVec
	tasksCompleted    prometheus.Counter
}

// NewMetrics registers every collector on a dedicated registry so tests and
// multiple servers in one process never collide on the default registerer.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Number of live pseudo-terminal sessions",
		}),
		// Labels: outcome (resolved, timeout, session_exited, superseded, disarmed)
		collectorOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "collector_outcomes_total",
			Help:      "Completion collector settlements by outcome",
		}, []string{"outcome"}),
		// Labels: agent, status (completed, failed, skipped)
		phases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "phases_total",
			Help:      "Finished phases by agent and terminal status",
		}, []string{"agent", "status"}),
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of executed phases in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"agent"}),
		tasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_completed_total",
			Help:      "Specification checklist items checked off from agent output",
		}),
	}
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// CollectorSettled counts one collector outcome.
func (m *Metrics) CollectorSettled(outcome string) {
	if m == nil {
		return
	}
	m.collectorOutcomes.WithLabelValues(outcome).Inc()
}

// PhaseFinished counts one phase reaching a terminal status.
func (m *Metrics) PhaseFinished(agent, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(agent, status).Inc()
	if duration > 0 {
		m.phaseDuration.WithLabelValues(agent).Observe(duration.Seconds())
	}
}

// TasksCompleted adds n auto-completed checklist items.
func (m *Metrics) TasksCompleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksCompleted.Add(float64(n))
}
