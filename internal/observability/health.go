package observability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

// Health status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// ErrRuntimeUnavailable is reported by the sandbox readiness check.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// HealthChecker aggregates health from the database sink and the container
// runtime.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// AddRuntimeCheck registers a readiness check over a boolean probe such as
// DockerSandbox.Available.
func (h *HealthChecker) AddRuntimeCheck(name string, available func(ctx context.Context) bool) {
	h.AddCheck(name, func(ctx context.Context) error {
		if !available(ctx) {
			return ErrRuntimeUnavailable
		}
		return nil
	})
}

// CheckHealth reports liveness: "ok" whenever the process can answer. It is
// safe on a nil receiver.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs all registered checks concurrently and returns aggregate
// readiness: "ok" only if every check passes, "degraded" otherwise. A nil
// checker is always ready.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if h == nil {
		return HealthStatus{Status: StatusOK}
	}
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: StatusOK}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Check(checkCtx)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		err := results[i]
		if err == nil {
			status.Checks[c.Name] = CheckResult{Status: StatusOK}
			continue
		}
		status.Status = StatusDegraded
		status.Checks[c.Name] = CheckResult{Status: StatusFail, Message: err.Error()}
		h.logger.Warn("readiness check failed",
			slog.String("check", c.Name),
			slog.String("error", err.Error()),
		)
	}
	return status
}
