package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics and tracing.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	mode    string // "direct" or "sandbox"
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedSandbox wraps an executor backend with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, mode string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedSandbox {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedSandbox{
		inner:   inner,
		mode:    mode,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.mode", s.mode),
				attribute.String("sandbox.network", req.Network),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, req)
	duration := time.Since(start).Seconds()

	status := executionStatus(result, err)
	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", result.ExitCode),
				attribute.Bool("sandbox.timed_out", result.TimedOut),
			)
			if result.Error != "" {
				span.SetStatus(codes.Error, result.Error)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(s.mode, status).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(s.mode).Observe(duration)
	}

	return result, err
}

// ExecuteStream forwards to the inner backend when it streams and falls
// back to a buffered run otherwise. The execution is counted once the
// stream is handed out; its duration is not observed.
func (s *InstrumentedSandbox) ExecuteStream(ctx context.Context, req sandbox.ExecutionRequest) *sandbox.Stream {
	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(s.mode, "stream").Inc()
	}
	if streamer, ok := s.inner.(sandbox.Streamer); ok {
		return streamer.ExecuteStream(ctx, req)
	}
	return sandbox.BufferedStream(ctx, s.inner, req)
}

func executionStatus(result *sandbox.ExecutionResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case result == nil:
		return "error"
	case result.TimedOut:
		return "timeout"
	case result.Error != "":
		return "error"
	case result.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

// --- AuditMetrics ---

// AuditMetrics is an audit sink that turns pipeline events into counters.
// Chain it into a security.MultiAuditLogger next to the persistent sinks.
type AuditMetrics struct {
	metrics *MetricsCollector
}

// NewAuditMetrics returns a sink feeding m. A nil m yields a no-op sink.
func NewAuditMetrics(m *MetricsCollector) *AuditMetrics {
	return &AuditMetrics{metrics: m}
}

func (a *AuditMetrics) LogAction(_ context.Context, event security.AuditEvent) error {
	if a == nil || a.metrics == nil {
		return nil
	}
	a.metrics.CommandEventsTotal.WithLabelValues(event.Action, event.Result).Inc()
	if event.Action == security.ActionValidate && event.Result == security.ResultDenied {
		a.metrics.ValidationDenialsTotal.WithLabelValues(event.Stage).Inc()
	}
	return nil
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Sandbox      = (*InstrumentedSandbox)(nil)
	_ sandbox.Streamer     = (*InstrumentedSandbox)(nil)
	_ security.AuditLogger = (*AuditMetrics)(nil)
)
