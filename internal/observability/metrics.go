package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cmdguard"

// MetricsCollector holds all Prometheus metrics for cmdguard.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pipeline metrics, fed from audit events.
	CommandEventsTotal *prometheus.CounterVec

	// Validation metrics.
	ValidationDenialsTotal *prometheus.CounterVec

	// Routing metrics.
	RoutesTotal            *prometheus.CounterVec
	SandboxDowngradesTotal prometheus.Counter

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Recovery metrics.
	RecoveryAttemptsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CommandEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "events_total",
			Help:      "Audited pipeline events by action and result.",
		}, []string{"action", "result"}),

		ValidationDenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "denials_total",
			Help:      "Commands denied by the validation pipeline, by stage.",
		}, []string{"stage"}),

		RoutesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Routing decisions by mode and network.",
		}, []string{"mode", "network"}),

		SandboxDowngradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "downgrades_total",
			Help:      "Sandbox routes downgraded to direct because the runtime was unavailable.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total command executions.",
		}, []string{"mode", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"mode"}),

		RecoveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Self-healing fix attempts by outcome.",
		}, []string{"result"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.CommandEventsTotal,
		m.ValidationDenialsTotal,
		m.RoutesTotal,
		m.SandboxDowngradesTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RecoveryAttemptsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// ObserveRoute records a routing decision.
func (m *MetricsCollector) ObserveRoute(mode, network string, downgraded bool) {
	if m == nil {
		return
	}
	if network == "" {
		network = "none"
	}
	m.RoutesTotal.WithLabelValues(mode, network).Inc()
	if downgraded {
		m.SandboxDowngradesTotal.Inc()
	}
}

// ObserveRecoveryAttempt records one fix attempt.
func (m *MetricsCollector) ObserveRecoveryAttempt(succeeded bool) {
	if m == nil {
		return
	}
	result := "failure"
	if succeeded {
		result = "success"
	}
	m.RecoveryAttemptsTotal.WithLabelValues(result).Inc()
}
