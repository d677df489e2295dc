// Package httpapi exposes the runner over HTTP.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Per-user rate limiting of everything that can execute a command
//   - Request body size limit (1 MiB)
//   - Every request carries a correlation ID into the audit trail
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cmdguard/internal/approval"
	"github.com/jkaninda/cmdguard/internal/observability"
	"github.com/jkaninda/cmdguard/internal/ratelimit"
	"github.com/jkaninda/cmdguard/internal/recovery"
	"github.com/jkaninda/cmdguard/internal/router"
	"github.com/jkaninda/cmdguard/internal/runner"
	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
	"github.com/jkaninda/cmdguard/internal/tools"
	"github.com/jkaninda/cmdguard/internal/validation"
)

const defaultMaxRequestSize = 1 << 20 // 1 MiB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string            // e.g., ":8080"
	EnableDocs bool
	APIKeys    map[string]string // API key → user ID.

	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Readiness checks for /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // HTTP middleware spans.
	Limiter         *ratelimit.Limiter              // Per-user command budget. nil = unlimited.
}

// Runner is the part of *runner.Runner the gateway uses.
type Runner interface {
	Run(ctx context.Context, req runner.Request) *runner.Outcome
	Stream(ctx context.Context, req runner.Request) (*sandbox.Stream, *runner.Outcome)
	Validate(ctx context.Context, command string) validation.Verdict
	Route(ctx context.Context, command string) (validation.Verdict, router.Decision)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	runner Runner
	queue  *approval.Queue  // nil unless confirmation.mode is "queue".
	tools  *tools.Registry  // nil disables the tool endpoints.
	logger *slog.Logger
	server *http.Server
	okapi  *okapi.Okapi
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, r Runner, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config: cfg,
		runner: r,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithApprovals exposes the confirmation queue.
func (g *Gateway) WithApprovals(q *approval.Queue) *Gateway {
	g.queue = q
	return g
}

// WithTools exposes the tool registry.
func (g *Gateway) WithTools(reg *tools.Registry) *Gateway {
	g.tools = reg
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "cmdguard",
			Version: "v0.1.0",
		},
	)
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	v1 := g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		g.authenticate,
	)

	v1.Post("/exec", g.handleExec,
		okapi.DocSummary("Validate, route, confirm and execute a command"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusForbidden, ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Post("/exec/stream", g.handleExecStream,
		okapi.DocSummary("Execute a command and stream its output via SSE"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Post("/validate", g.handleValidate,
		okapi.DocSummary("Run the validation pipeline only"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(validation.Verdict{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Post("/route", g.handleRoute,
		okapi.DocSummary("Validate and route a command without executing it"),
		okapi.DocTags("Commands"),
		okapi.DocRequestBody(CommandRequest{}),
		okapi.DocResponse(RouteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	if g.queue != nil {
		v1.Get("/approvals", g.handleApprovalList,
			okapi.DocSummary("List commands waiting for confirmation"),
			okapi.DocTags("Approvals"),
			okapi.DocResponse([]approval.Pending{}),
		)
		v1.Post("/approvals/{id}", g.handleApprovalResolve,
			okapi.DocSummary("Approve or deny a queued command"),
			okapi.DocTags("Approvals"),
			okapi.DocPathParam("id", "string", "Approval ID (UUID)"),
			okapi.DocRequestBody(ApproveRequest{}),
			okapi.DocResponse(ApproveResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusGone, ErrorBody{}),
			okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		)
	}

	if g.tools != nil {
		v1.Get("/tools", g.handleToolList,
			okapi.DocSummary("List the registered tools"),
			okapi.DocTags("Tools"),
			okapi.DocResponse([]tools.Definition{}),
		)
		v1.Post("/tools/{name}", g.handleToolCall,
			okapi.DocSummary("Call a tool"),
			okapi.DocTags("Tools"),
			okapi.DocPathParam("name", "string", "Tool name"),
			okapi.DocResponse(tools.Result{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness, okapi.DocResponse(observability.HealthStatus{}))
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Commands may legitimately run for minutes.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// CommandRequest is the JSON body for the validate and route endpoints.
type CommandRequest struct {
	Command string `json:"command"`
}

// ExecRequest is the JSON body for POST /v1/exec.
type ExecRequest struct {
	Command    string            `json:"command"`
	TimeoutMS  int64             `json:"timeout_ms,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Stdin      string            `json:"stdin,omitempty"`
}

func (r ExecRequest) toRunner() runner.Request {
	return runner.Request{
		Command:    r.Command,
		Timeout:    time.Duration(r.TimeoutMS) * time.Millisecond,
		WorkingDir: r.WorkingDir,
		Env:        r.Env,
		Stdin:      r.Stdin,
	}
}

// ExecResponse is the JSON response for POST /v1/exec.
type ExecResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	ExitCode      int                      `json:"exit_code"`
	Verdict       validation.Verdict       `json:"verdict"`
	Decision      *router.Decision         `json:"decision,omitempty"`
	Result        *sandbox.ExecutionResult `json:"result,omitempty"`
	Recovery      *recovery.Session        `json:"recovery,omitempty"`
	Checkpoint    string                   `json:"checkpoint,omitempty"`
	Error         string                   `json:"error,omitempty"`
	ErrorKind     string                   `json:"error_kind,omitempty"` // validation_denied, confirmation_denied, timed_out, recovery_exhausted, execution_failed
}

// RouteResponse is the JSON response for POST /v1/route.
type RouteResponse struct {
	Verdict  validation.Verdict `json:"verdict"`
	Decision *router.Decision   `json:"decision,omitempty"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Command) == "" {
		return c.AbortBadRequest("command is required")
	}
	if req.TimeoutMS < 0 {
		return c.AbortBadRequest("timeout_ms must be positive")
	}
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	ctx, correlationID := g.requestContext(c)
	g.logger.InfoContext(ctx, "http exec",
		slog.String("user_id", c.GetString("userID")),
		slog.String("correlation_id", correlationID),
	)

	out := g.runner.Run(ctx, req.toRunner())
	code, resp := execResponse(correlationID, out)
	return c.JSON(code, resp)
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}
	ctx, _ := g.requestContext(c)
	return c.OK(g.runner.Validate(ctx, req.Command))
}

func (g *Gateway) handleRoute(c *okapi.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}
	ctx, _ := g.requestContext(c)
	v, d := g.runner.Route(ctx, req.Command)
	resp := RouteResponse{Verdict: v}
	if v.Valid {
		resp.Decision = &d
	}
	return c.OK(resp)
}

// ApproveRequest is the JSON body for POST /v1/approvals/{id}.
type ApproveRequest struct {
	Decision string `json:"decision"` // "approve" or "deny"
	Feedback string `json:"feedback,omitempty"`
}

// ApproveResponse is the JSON response after an approval decision.
type ApproveResponse struct {
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"`
}

func (g *Gateway) handleApprovalList(c *okapi.Context) error {
	return c.OK(g.queue.List(c.Context()))
}

func (g *Gateway) handleApprovalResolve(c *okapi.Context) error {
	userID := c.GetString("userID")
	id := c.Param("id")

	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		return c.AbortBadRequest("decision must be \"approve\" or \"deny\"")
	}

	g.logger.Info("http approval",
		slog.String("user_id", userID),
		slog.String("approval_id", id),
		slog.String("decision", req.Decision),
	)

	var (
		err    error
		status = approval.StatusApproved
	)
	if req.Decision == "deny" {
		status = approval.StatusDenied
		err = g.queue.Deny(c.Context(), id, userID, req.Feedback)
	} else {
		err = g.queue.Approve(c.Context(), id, userID)
	}
	if err != nil {
		code, msg := approvalError(err)
		return c.JSON(code, ErrorBody{Error: msg})
	}
	return c.OK(ApproveResponse{ApprovalID: id, Status: status.String()})
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	return c.OK(g.tools.Definitions())
}

func (g *Gateway) handleToolCall(c *okapi.Context) error {
	name := c.Param("name")
	if g.tools.Get(name) == nil {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "tool not found"})
	}
	var params map[string]any
	if err := c.Bind(&params); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	ctx, _ := g.requestContext(c)
	res, err := g.tools.Call(ctx, name, params)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	return c.OK(res)
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := lookupAPIKey(g.config.APIKeys, c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// lookupAPIKey resolves a "Bearer <key>" header. Every key is compared so
// the timing does not depend on which key matched.
func lookupAPIKey(keys map[string]string, header string) (string, bool) {
	apiKey, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || apiKey == "" {
		return "", false
	}
	userID := ""
	for key, user := range keys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// --- Helpers ---

// allow spends one unit of the caller's command budget.
func (g *Gateway) allow(c *okapi.Context) bool {
	userID := c.GetString("userID")
	wait, err := g.config.Limiter.Allow(userID)
	if err == nil {
		return true
	}
	g.logger.Warn("http rate limited",
		slog.String("user_id", userID),
		slog.Duration("retry_after", wait),
	)
	return false
}

// requestContext attaches the user and a fresh correlation ID.
func (g *Gateway) requestContext(c *okapi.Context) (context.Context, string) {
	correlationID := uuid.NewString()
	ctx := security.ContextWithCorrelationID(c.Context(), correlationID)
	ctx = security.ContextWithUserID(ctx, c.GetString("userID"))
	return ctx, correlationID
}

// execResponse maps an outcome to a status code and body. Commands that ran
// answer 200 whatever their exit code; denials answer 403.
func execResponse(correlationID string, out *runner.Outcome) (int, ExecResponse) {
	resp := ExecResponse{
		CorrelationID: correlationID,
		ExitCode:      out.ExitCode(),
		Verdict:       out.Verdict,
		Result:        out.Result,
		Recovery:      out.Recovery,
		Checkpoint:    out.Checkpoint,
	}
	if out.Decision.Mode != "" {
		d := out.Decision
		resp.Decision = &d
	}
	if out.Err == nil {
		return http.StatusOK, resp
	}

	resp.Error = out.Err.Error()
	resp.ErrorKind = errorKind(out.Err)
	switch resp.ErrorKind {
	case "validation_denied", "confirmation_denied":
		return http.StatusForbidden, resp
	default:
		return http.StatusOK, resp
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, runner.ErrValidationDenied):
		return "validation_denied"
	case errors.Is(err, runner.ErrConfirmationDenied):
		return "confirmation_denied"
	case errors.Is(err, runner.ErrRecoveryExhausted):
		return "recovery_exhausted"
	case errors.Is(err, runner.ErrTimedOut):
		return "timed_out"
	default:
		return "execution_failed"
	}
}

// approvalError maps approval errors to HTTP responses.
func approvalError(err error) (int, string) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound, "approval not found"
	case errors.Is(err, approval.ErrExpired):
		return http.StatusGone, "approval expired"
	case errors.Is(err, approval.ErrAlreadyResolved):
		return http.StatusConflict, "approval already resolved"
	default:
		return http.StatusInternalServerError, "approval error"
	}
}
