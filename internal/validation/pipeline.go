// Package validation decides whether a raw command may run at all.
//
// A Pipeline is an ordered list of independent stages. Each stage sees the
// full raw string and either passes or denies; the first denial is final and
// later stages do not run. Every verdict, allowed or denied, is sent to the
// audit sink.
package validation

import (
	"context"
	"log/slog"

	"github.com/jkaninda/cmdguard/internal/config"
	"github.com/jkaninda/cmdguard/internal/security"
)

// Verdict is the outcome of validating one command string.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Stage  string `json:"stage,omitempty"`
}

// Stage is a single predicate of the pipeline. Check returns a reason and
// true when the command must be denied.
type Stage struct {
	Name  string
	Check func(raw string) (reason string, denied bool)
}

// Options extend the built-in stages. Extras are appended to the defaults,
// never substituted for them.
type Options struct {
	ExtraBlockedCommands []string
	ExtraBlockedPatterns []string
	ExtraProtectedPaths  []string
	FailOpenOnParseError bool
}

// OptionsFromConfig maps the validation section of the config file.
func OptionsFromConfig(cfg config.ValidationConfig) Options {
	return Options{
		ExtraBlockedCommands: cfg.ExtraBlockedCommands,
		ExtraBlockedPatterns: cfg.ExtraBlockedPatterns,
		ExtraProtectedPaths:  cfg.ExtraProtectedPaths,
		FailOpenOnParseError: cfg.FailOpenOnParseError,
	}
}

// Pipeline runs the validation stages in order.
type Pipeline struct {
	stages []Stage
	audit  security.AuditLogger
	logger *slog.Logger
}

// New builds the default seven-stage pipeline. It fails only when an extra
// pattern does not compile.
func New(opts Options, audit security.AuditLogger, logger *slog.Logger) (*Pipeline, error) {
	stages, err := DefaultStages(opts)
	if err != nil {
		return nil, err
	}
	return NewWithStages(stages, audit, logger), nil
}

// NewWithStages builds a pipeline over an explicit stage list.
func NewWithStages(stages []Stage, audit security.AuditLogger, logger *slog.Logger) *Pipeline {
	if audit == nil {
		audit = security.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		stages: stages,
		audit:  audit,
		logger: logger,
	}
}

// Stages returns the stage names in evaluation order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Validate runs every stage until one denies. The verdict is audited before
// it is returned.
func (p *Pipeline) Validate(ctx context.Context, raw string) Verdict {
	verdict := p.evaluate(raw)
	p.record(ctx, raw, verdict)
	return verdict
}

func (p *Pipeline) evaluate(raw string) Verdict {
	for _, stage := range p.stages {
		reason, denied := stage.Check(raw)
		if !denied {
			continue
		}
		if reason == "" {
			reason = "denied by " + stage.Name
		}
		return Verdict{Valid: false, Reason: reason, Stage: stage.Name}
	}
	return Verdict{Valid: true}
}

func (p *Pipeline) record(ctx context.Context, raw string, v Verdict) {
	event := security.NewEvent(ctx, security.ActionValidate, raw)
	event.Stage = v.Stage
	event.Reason = v.Reason
	if v.Valid {
		event.Result = security.ResultAllowed
	} else {
		event.Result = security.ResultDenied
		p.logger.WarnContext(ctx, "command denied",
			slog.String("stage", v.Stage),
			slog.String("reason", v.Reason),
			slog.String("command", event.Command),
		)
	}
	if err := p.audit.LogAction(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to audit validation verdict",
			slog.String("error", err.Error()),
		)
	}
}
