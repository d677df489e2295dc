package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware counts and times every API call and, with a tracer,
// wraps it in a span. Both metrics and tracer may be nil.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			req := c.Request()
			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(req.Context(), "cmdguard.http "+req.Method,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						attribute.String("http.method", req.Method),
						attribute.String("http.path", req.URL.Path),
					))
				defer span.End()
			}
			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)
			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}

			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(req.Method, req.URL.Path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(req.Method, req.URL.Path).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

func statusCode(code int) string { return strconv.Itoa(code) }
