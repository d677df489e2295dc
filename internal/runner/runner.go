// Package runner is the single entry point for executing an agent-proposed
// command. It validates, routes, asks for confirmation, snapshots files a
// command may destroy, executes on the chosen backend, and runs the recovery
// loop on failure.
package runner

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/cmdguard/internal/approval"
	"github.com/jkaninda/cmdguard/internal/checkpoint"
	"github.com/jkaninda/cmdguard/internal/classifier"
	"github.com/jkaninda/cmdguard/internal/observability"
	"github.com/jkaninda/cmdguard/internal/recovery"
	"github.com/jkaninda/cmdguard/internal/router"
	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
	"github.com/jkaninda/cmdguard/internal/validation"
)

// Request is one command to run.
type Request struct {
	Command    string            `json:"command"`
	Timeout    time.Duration     `json:"timeout,omitempty"` // Zero means the configured default.
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Stdin      string            `json:"stdin,omitempty"`
}

// Outcome is everything the runner decided and observed for one command.
// Err is nil only when the command ran and succeeded, possibly after a
// recovered failure.
type Outcome struct {
	Verdict    validation.Verdict       `json:"verdict"`
	Decision   router.Decision          `json:"decision"`
	Result     *sandbox.ExecutionResult `json:"result,omitempty"`
	Recovery   *recovery.Session        `json:"recovery,omitempty"`
	Checkpoint string                   `json:"checkpoint,omitempty"` // Snapshot ID, restorable with the checkpoint store.
	Err        error                    `json:"-"`
}

// ExitCode is the CLI exit status for the outcome.
func (o *Outcome) ExitCode() int { return ExitCode(o.Err) }

// Options wire the runner's collaborators. Pipeline, Router and Direct are
// required.
type Options struct {
	Pipeline    *validation.Pipeline
	Router      *router.Router
	Confirmer   approval.Confirmer // nil denies every command.
	Direct      sandbox.Sandbox
	Container   sandbox.Sandbox   // nil when no container runtime is configured.
	Checkpoints *checkpoint.Store // nil disables snapshots.
	Recovery    *recovery.Loop    // nil disables self-healing.
	SelfHealing bool

	DefaultTimeout time.Duration
	Audit          security.AuditLogger
	Metrics        *observability.MetricsCollector
	Tracer         *observability.TracerSetup
	Logger         *slog.Logger
}

// Runner is safe for concurrent use.
type Runner struct {
	pipeline    *validation.Pipeline
	router      *router.Router
	confirmer   approval.Confirmer
	direct      *observability.InstrumentedSandbox
	container   *observability.InstrumentedSandbox
	checkpoints *checkpoint.Store
	recovery    *recovery.Loop
	selfHealing atomic.Bool

	workingDir     func() string
	defaultTimeout time.Duration
	audit          security.AuditLogger
	metrics        *observability.MetricsCollector
	tracer         *observability.TracerSetup
	logger         *slog.Logger
}

// New creates a runner. Backends are wrapped with metrics and tracing.
func New(opts Options) *Runner {
	if opts.Confirmer == nil {
		opts.Confirmer = approval.DenyAll{}
	}
	if opts.Audit == nil {
		opts.Audit = security.NopAuditLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = sandbox.DefaultTimeout
	}

	r := &Runner{
		pipeline:       opts.Pipeline,
		router:         opts.Router,
		confirmer:      opts.Confirmer,
		direct:         observability.NewInstrumentedSandbox(opts.Direct, sandbox.ModeDirect, opts.Metrics, opts.Tracer),
		checkpoints:    opts.Checkpoints,
		recovery:       opts.Recovery,
		defaultTimeout: opts.DefaultTimeout,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		logger:         opts.Logger,
		workingDir:     func() string { return "" },
	}
	if opts.Container != nil {
		r.container = observability.NewInstrumentedSandbox(opts.Container, sandbox.ModeSandbox, opts.Metrics, opts.Tracer)
	}
	if wd, ok := opts.Direct.(interface{ WorkingDir() string }); ok {
		r.workingDir = wd.WorkingDir
	}
	r.selfHealing.Store(opts.SelfHealing)
	return r
}

// SetSelfHealing toggles the recovery loop at runtime.
func (r *Runner) SetSelfHealing(enabled bool) {
	r.selfHealing.Store(enabled)
	r.logger.Info("self-healing toggled", slog.Bool("enabled", enabled))
}

// SelfHealing reports whether failed commands are handed to the recovery loop.
func (r *Runner) SelfHealing() bool { return r.selfHealing.Load() }

// SetSandboxing toggles sandbox routing at runtime.
func (r *Runner) SetSandboxing(enabled bool) { r.router.SetEnabled(enabled) }

// Sandboxing reports whether sandbox routing is on.
func (r *Runner) Sandboxing() bool { return r.router.Enabled() }

// Validate runs the validation pipeline only.
func (r *Runner) Validate(ctx context.Context, command string) validation.Verdict {
	return r.pipeline.Validate(ctx, command)
}

// Route validates command and, when it is allowed, returns the routing
// decision without executing anything.
func (r *Runner) Route(ctx context.Context, command string) (validation.Verdict, router.Decision) {
	v := r.pipeline.Validate(ctx, command)
	if !v.Valid {
		return v, router.Decision{}
	}
	return v, r.router.Route(ctx, command)
}

// Exec runs command with the given timeout.
func (r *Runner) Exec(ctx context.Context, command string, timeout time.Duration) *Outcome {
	return r.Run(ctx, Request{Command: command, Timeout: timeout})
}

// Run takes one command through the full flow.
func (r *Runner) Run(ctx context.Context, req Request) *Outcome {
	ctx, span := r.tracer.StartCommandSpan(ctx, "run", req.Command)
	defer span.End()

	out, ok := r.preflight(ctx, req)
	if !ok {
		endSpan(span, out)
		return out
	}

	backend := r.backend(out.Decision)
	res := r.execute(ctx, r.request(req, out.Decision), out.Decision, backend, r.selfHealing.Load(), out)
	out.Result = res
	if out.Err == nil && !res.Success() {
		out.Err = executionError(res)
	}
	endSpan(span, out)
	return out
}

// Stream runs command and yields its output as it is produced. The
// returned stream is nil when the command was denied; Outcome.Err then says
// why. Streamed commands are not retried by the recovery loop.
func (r *Runner) Stream(ctx context.Context, req Request) (*sandbox.Stream, *Outcome) {
	out, ok := r.preflight(ctx, req)
	if !ok {
		return nil, out
	}

	execReq := r.request(req, out.Decision)
	backend := r.backend(out.Decision)
	st := backend.ExecuteStream(ctx, execReq)
	return sandbox.Observe(ctx, st, func(res *sandbox.ExecutionResult) {
		r.recordExecution(ctx, execReq, out.Decision, res, nil)
	}), out
}

// preflight runs the steps before execution. ok=false means the command
// must not run and out.Err is set.
func (r *Runner) preflight(ctx context.Context, req Request) (*Outcome, bool) {
	out := &Outcome{}

	// 1. Validate.
	out.Verdict = r.pipeline.Validate(ctx, req.Command)
	if !out.Verdict.Valid {
		out.Err = &DeniedError{Stage: out.Verdict.Stage, Reason: out.Verdict.Reason}
		return out, false
	}

	// 2. Route.
	out.Decision = r.router.Route(ctx, req.Command)

	// 3. Confirm.
	resp, err := r.confirmer.RequestConfirmation(ctx, approval.Details{
		Command:       req.Command,
		Mode:          out.Decision.Mode,
		Network:       out.Decision.Network,
		Reason:        out.Decision.Reason,
		Risk:          riskOf(req.Command, out.Decision),
		UserID:        security.UserIDFromContext(ctx),
		CorrelationID: security.CorrelationIDFromContext(ctx),
	})
	if err != nil || !resp.Confirmed {
		feedback := resp.Feedback
		if feedback == "" && err != nil {
			feedback = err.Error()
		}
		out.Err = &ConfirmationError{Feedback: feedback}
		return out, false
	}

	// 4. Snapshot files the command may destroy. Never blocks execution.
	out.Checkpoint = r.snapshot(ctx, req)
	return out, true
}

func (r *Runner) snapshot(ctx context.Context, req Request) string {
	if r.checkpoints == nil {
		return ""
	}
	dir := req.WorkingDir
	if dir == "" {
		dir = r.workingDir()
	}
	cp, err := r.checkpoints.Snapshot(req.Command, dir)
	if err != nil {
		r.logger.WarnContext(ctx, "checkpoint failed, continuing",
			slog.String("command", security.TruncateCommand(req.Command)),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if cp == nil {
		return ""
	}
	return cp.ID
}

// execute runs req and, when selfHeal is set and the command failed, the
// recovery loop. Fix commands re-enter execute with selfHeal=false and run
// on the same backend without validation or routing.
func (r *Runner) execute(ctx context.Context, req sandbox.ExecutionRequest, d router.Decision, backend sandbox.Sandbox, selfHeal bool, out *Outcome) *sandbox.ExecutionResult {
	res, err := backend.Execute(ctx, req)
	if err != nil {
		res = &sandbox.ExecutionResult{ExitCode: sandbox.FailureExitCode, Stderr: err.Error(), Error: err.Error()}
	}
	r.recordExecution(ctx, req, d, res, err)

	if !selfHeal || res.Success() || res.TimedOut || r.recovery == nil || ctx.Err() != nil {
		return res
	}

	session := r.recovery.Run(ctx, req.Command, res, func(ctx context.Context, fix string, selfHeal bool) *sandbox.ExecutionResult {
		fixReq := req
		fixReq.Command = fix
		return r.execute(ctx, fixReq, d, backend, selfHeal, nil)
	})
	if out == nil {
		return res
	}
	if session.Count() > 0 {
		out.Recovery = session
	}
	if session.Recovered {
		return session.Final()
	}
	if session.Count() > 0 {
		out.Err = &RecoveryError{Attempts: session.Count(), Original: executionError(res)}
	}
	return res
}

func (r *Runner) backend(d router.Decision) *observability.InstrumentedSandbox {
	if d.Sandboxed() && r.container != nil {
		return r.container
	}
	return r.direct
}

func (r *Runner) request(req Request, d router.Decision) sandbox.ExecutionRequest {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	return sandbox.ExecutionRequest{
		Command:    req.Command,
		WorkingDir: req.WorkingDir,
		Timeout:    timeout,
		Env:        req.Env,
		Stdin:      req.Stdin,
		Network:    d.Network,
	}
}

func (r *Runner) recordExecution(ctx context.Context, req sandbox.ExecutionRequest, d router.Decision, res *sandbox.ExecutionResult, err error) {
	mode := d.Mode
	if d.Sandboxed() && r.container == nil {
		mode = sandbox.ModeDirect
	}

	event := security.NewEvent(ctx, security.ActionExecute, req.Command)
	event.Decision = mode
	event.Parameters = map[string]any{
		"exit_code":   res.ExitCode,
		"duration_ms": res.Duration.Milliseconds(),
		"network":     req.Network,
	}
	if res.ContainerID != "" {
		event.Parameters["container_id"] = res.ContainerID
	}
	switch {
	case res.TimedOut:
		event.Result = security.ResultTimeout
	case res.Success():
		event.Result = security.ResultSuccess
	default:
		event.Result = security.ResultFailure
		event.Error = res.Error
	}
	if err != nil {
		event.Error = err.Error()
	}

	r.logger.DebugContext(ctx, "command executed",
		slog.String("mode", mode),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
		slog.Bool("timed_out", res.TimedOut),
	)
	if auditErr := r.audit.LogAction(ctx, event); auditErr != nil {
		r.logger.ErrorContext(ctx, "failed to audit execution",
			slog.String("error", auditErr.Error()),
		)
	}
}

// riskOf rates the command for the confirmation prompt.
func riskOf(command string, d router.Decision) security.RiskLevel {
	risk := security.RiskLow
	parsed := classifier.Classify(command)
	if parsed.Empty() && strings.TrimSpace(command) != "" {
		risk = security.RiskHigh
	}
	for _, sub := range parsed.SubCommands {
		switch level, _ := classifier.Danger(sub); level {
		case classifier.Forbidden:
			return security.RiskCritical
		case classifier.Risky:
			risk = max(risk, security.RiskMedium)
		}
	}
	if d.Sandboxed() {
		risk = max(risk, security.RiskMedium)
	}
	if d.Downgraded {
		risk = max(risk, security.RiskHigh)
	}
	return risk
}

func executionError(res *sandbox.ExecutionResult) error {
	return &ExecutionError{ExitCode: res.ExitCode, Stderr: res.ErrorOutput(), TimedOut: res.TimedOut}
}

// ResultError is the Outcome.Err a finished result implies: nil on
// success, an *ExecutionError otherwise. Stream callers use it once the
// complete event arrives.
func ResultError(res *sandbox.ExecutionResult) error {
	if res.Success() {
		return nil
	}
	if res == nil {
		return &ExecutionError{ExitCode: sandbox.FailureExitCode}
	}
	return executionError(res)
}

func endSpan(span trace.Span, out *Outcome) {
	span.SetAttributes(attribute.String("command.mode", out.Decision.Mode))
	if out.Result != nil {
		span.SetAttributes(attribute.Int("command.exit_code", out.Result.ExitCode))
	}
	if out.Err != nil {
		span.SetStatus(codes.Error, out.Err.Error())
	}
}
