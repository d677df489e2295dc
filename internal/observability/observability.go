// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and readiness checks. Every component is optional and nil-safe, so
// callers never branch on whether a feature is configured.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/cmdguard/internal/config"
)

// Observability groups the enabled components. Metrics and Tracer are nil
// when disabled; Health is always set.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker

	logger *slog.Logger
}

// New builds the components cfg enables. A nil cfg yields a nil
// *Observability, whose accessors all return nil.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Observability{Health: NewHealthChecker(logger), logger: logger}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	tracer, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	o.Tracer = tracer

	logger.Debug("observability initialized",
		slog.Bool("metrics", o.Metrics != nil),
		slog.Bool("tracing", o.Tracer != nil),
	)
	return o, nil
}

// Shutdown flushes the tracer. Errors are logged, not returned.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if err := o.Tracer.Shutdown(ctx); err != nil {
		o.logger.Warn("flushing traces", slog.String("error", err.Error()))
	}
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}
