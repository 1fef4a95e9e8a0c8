package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus metrics: gating decisions,
// pipeline latency, shield probes, approvals, sessions, and the HTTP
// surface.
type Metrics struct {
	// DecisionCounter counts gating decisions.
	// Labels: strategy (allow|deny|filter|aitl|pitl|hitl), decision (allow|deny)
	DecisionCounter *prometheus.CounterVec

	// PipelineDuration measures the gating pipeline end to end in seconds.
	// Labels: strategy
	PipelineDuration *prometheus.HistogramVec

	// ShieldProbeDuration measures shield round-trips in seconds.
	// Labels: result (clean|attack|error)
	ShieldProbeDuration *prometheus.HistogramVec

	// PendingApprovals gauges currently unresolved approvals.
	PendingApprovals prometheus.Gauge

	// ActiveSessions gauges live interactive sessions.
	ActiveSessions prometheus.Gauge

	// ScheduledRuns counts scheduler task fires.
	// Labels: status (success|error)
	ScheduledRuns *prometheus.CounterVec

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics. Pass nil to use the
// default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		DecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_gating_decisions_total",
				Help: "Total gating decisions by resolved strategy and outcome",
			},
			[]string{"strategy", "decision"},
		),
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_gating_pipeline_duration_seconds",
				Help:    "Gating pipeline latency including approval waits",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
			},
			[]string{"strategy"},
		),
		ShieldProbeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_shield_probe_duration_seconds",
				Help:    "Content-safety probe latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"result"},
		),
		PendingApprovals: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_pending_approvals",
				Help: "Currently unresolved approval futures",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_active_sessions",
				Help: "Live interactive sessions",
			},
		),
		ScheduledRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_scheduled_runs_total",
				Help: "Scheduler task fires by outcome",
			},
			[]string{"status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_http_request_duration_seconds",
				Help:    "HTTP API request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// ObserveDecision satisfies the interceptor's metrics hook.
func (m *Metrics) ObserveDecision(strategy, decision string, elapsed time.Duration) {
	m.DecisionCounter.WithLabelValues(strategy, decision).Inc()
	m.PipelineDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// ObserveShieldProbe satisfies the interceptor's metrics hook.
func (m *Metrics) ObserveShieldProbe(result string, elapsed time.Duration) {
	m.ShieldProbeDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}
