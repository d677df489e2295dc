// Package router decides whether a validated command runs directly on the
// host or inside the container sandbox, and with which network mode.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jkaninda/cmdguard/internal/classifier"
	"github.com/jkaninda/cmdguard/internal/config"
	"github.com/jkaninda/cmdguard/internal/observability"
	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
)

// ErrSandboxUnavailable is attached to a Decision as a warning when the
// sandbox was requested but the container runtime could not be reached.
var ErrSandboxUnavailable = errors.New("sandbox requested but container runtime unavailable")

// Decision is where and how a command runs.
type Decision struct {
	Mode       string `json:"mode"` // "direct" or "sandbox"
	Reason     string `json:"reason"`
	Network    string `json:"network"` // "none" or "bridge"
	Downgraded bool   `json:"downgraded"`
	Warning    string `json:"warning,omitempty"`
}

// Sandboxed reports whether the command goes to the container engine.
func (d Decision) Sandboxed() bool { return d.Mode == sandbox.ModeSandbox }

// Prober reports whether the container runtime is usable.
type Prober interface {
	Available(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Available(ctx context.Context) bool { return f(ctx) }

// Options configure a Router.
type Options struct {
	Enabled       bool
	NeverSandbox  []string // Glob patterns appended to DefaultNeverSandbox.
	AlwaysSandbox []string // Glob patterns appended to DefaultAlwaysSandbox.
	Prober        Prober   // nil means the runtime is never available.
	Audit         security.AuditLogger
	Metrics       *observability.MetricsCollector
	Logger        *slog.Logger
}

// OptionsFromConfig maps the sandbox section of the config file.
func OptionsFromConfig(cfg config.SandboxConfig) Options {
	return Options{
		Enabled:       cfg.Enabled,
		NeverSandbox:  cfg.NeverSandbox,
		AlwaysSandbox: cfg.AlwaysSandbox,
	}
}

// Router applies the sandbox routing rules. Only call Route for commands
// the validation pipeline has allowed.
type Router struct {
	enabled atomic.Bool
	never   *nameList
	always  *nameList
	prober  Prober
	audit   security.AuditLogger
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	probeMu   sync.Mutex
	probed    bool
	available bool
}

// New compiles the routing lists.
func New(opts Options) (*Router, error) {
	never, err := compileList(DefaultNeverSandbox, opts.NeverSandbox)
	if err != nil {
		return nil, fmt.Errorf("never_sandbox: %w", err)
	}
	always, err := compileList(DefaultAlwaysSandbox, opts.AlwaysSandbox)
	if err != nil {
		return nil, fmt.Errorf("always_sandbox: %w", err)
	}
	if opts.Audit == nil {
		opts.Audit = security.NopAuditLogger{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Router{
		never:   never,
		always:  always,
		prober:  opts.Prober,
		audit:   opts.Audit,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
	r.enabled.Store(opts.Enabled)
	return r, nil
}

// SetEnabled toggles sandbox routing at runtime.
func (r *Router) SetEnabled(enabled bool) {
	r.enabled.Store(enabled)
	r.logger.Info("sandbox routing toggled", slog.Bool("enabled", enabled))
}

// Enabled reports whether sandbox routing is on.
func (r *Router) Enabled() bool { return r.enabled.Load() }

// Route decides where raw runs. A sandbox decision is checked against the
// runtime probe and downgraded to direct, with a warning, when the runtime
// is unavailable. Every decision is audited.
func (r *Router) Route(ctx context.Context, raw string) Decision {
	d := r.Decide(raw)
	if d.Sandboxed() && !r.runtimeAvailable(ctx) {
		d = Decision{
			Mode:       sandbox.ModeDirect,
			Reason:     d.Reason,
			Network:    sandbox.NetworkNone,
			Downgraded: true,
			Warning:    ErrSandboxUnavailable.Error(),
		}
	}
	r.record(ctx, raw, d)
	return d
}

// Decide applies the routing rules without probing the runtime or auditing.
//
// Rules, per sub-command after unwrapping wrappers like sudo or env:
//  1. never-sandbox names are skipped;
//  2. always-sandbox names route to the sandbox;
//  3. anything the classifier rates above safe routes to the sandbox;
//  4. a subshell command routes to the sandbox.
//
// The network is bridged only when every triggering sub-command is a
// package manager fetching dependencies.
func (r *Router) Decide(raw string) Decision {
	if !r.enabled.Load() {
		return Decision{Mode: sandbox.ModeDirect, Reason: "sandboxing disabled", Network: sandbox.NetworkNone}
	}

	parsed := classifier.Classify(raw)
	if parsed.Empty() {
		if strings.TrimSpace(raw) == "" {
			return Decision{Mode: sandbox.ModeDirect, Reason: "empty command", Network: sandbox.NetworkNone}
		}
		return Decision{Mode: sandbox.ModeSandbox, Reason: "command could not be analysed", Network: sandbox.NetworkNone}
	}

	var (
		reason   string
		triggers int
		fetchAll = true
	)
	for _, sub := range parsed.SubCommands {
		eff := classifier.Unwrap(sub)
		if r.never.Match(eff.Name) {
			continue
		}

		var why string
		if r.always.Match(eff.Name) {
			why = eff.Name + " can execute third-party code"
		} else if level, danger := classifier.Danger(sub); level != classifier.Safe {
			why = danger
		} else if sub.IsSubshell {
			why = eff.Name + " runs inside a subshell"
		} else {
			continue
		}

		triggers++
		if reason == "" {
			reason = why
		}
		if !needsNetwork(eff.Name, eff.Args) {
			fetchAll = false
		}
	}

	if triggers == 0 {
		return Decision{Mode: sandbox.ModeDirect, Reason: "no sandbox rule matched", Network: sandbox.NetworkNone}
	}
	network := sandbox.NetworkNone
	if fetchAll {
		network = sandbox.NetworkBridge
	}
	return Decision{Mode: sandbox.ModeSandbox, Reason: reason, Network: network}
}

// runtimeAvailable runs the probe once and caches the answer until
// ResetProbe. Concurrent callers wait for the first probe. The probe is
// detached from the caller's cancellation so one aborted request cannot
// cache an unavailable runtime; probers bound their own duration.
func (r *Router) runtimeAvailable(ctx context.Context) bool {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if r.probed {
		return r.available
	}
	r.available = r.prober != nil && r.prober.Available(context.WithoutCancel(ctx))
	r.probed = true
	r.logger.Debug("container runtime probed", slog.Bool("available", r.available))
	return r.available
}

// ResetProbe forgets the cached probe result.
func (r *Router) ResetProbe() {
	r.probeMu.Lock()
	r.probed = false
	r.available = false
	r.probeMu.Unlock()
}

func (r *Router) record(ctx context.Context, raw string, d Decision) {
	event := security.NewEvent(ctx, security.ActionRoute, raw)
	event.Decision = d.Mode
	event.Reason = d.Reason
	event.Result = security.ResultAllowed
	event.Parameters = map[string]any{"network": d.Network}

	if d.Downgraded {
		event.Result = security.ResultDowngraded
		event.Error = d.Warning
		r.logger.WarnContext(ctx, "sandbox requested but unavailable, running directly",
			slog.String("reason", d.Reason),
			slog.String("command", event.Command),
		)
	} else {
		r.logger.DebugContext(ctx, "command routed",
			slog.String("mode", d.Mode),
			slog.String("network", d.Network),
			slog.String("reason", d.Reason),
		)
	}

	r.metrics.ObserveRoute(d.Mode, d.Network, d.Downgraded)

	if err := r.audit.LogAction(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "failed to audit routing decision",
			slog.String("error", err.Error()),
		)
	}
}
