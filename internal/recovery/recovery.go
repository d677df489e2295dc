// Package recovery implements the bounded self-healing loop: a failed
// command is handed to a fix strategy, and each proposed fix runs through
// the same executor with self-healing disabled.
package recovery

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/jkaninda/cmdguard/internal/observability"
	"github.com/jkaninda/cmdguard/internal/sandbox"
	"github.com/jkaninda/cmdguard/internal/security"
)

// DefaultMaxRetries bounds the loop when no limit is configured.
const DefaultMaxRetries = 3

// Executor runs one command. The loop always passes selfHeal=false so a
// fix attempt can never start a nested recovery.
type Executor func(ctx context.Context, command string, selfHeal bool) *sandbox.ExecutionResult

// Strategy proposes a replacement for a failed command. ok=false means no
// fix is known and ends the loop.
type Strategy interface {
	ProposeFix(ctx context.Context, command, errorOutput string) (fix string, ok bool)
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(ctx context.Context, command, errorOutput string) (string, bool)

func (f StrategyFunc) ProposeFix(ctx context.Context, command, errorOutput string) (string, bool) {
	return f(ctx, command, errorOutput)
}

// Attempt is one executed fix.
type Attempt struct {
	FixCommand string                   `json:"fix_command"`
	Result     *sandbox.ExecutionResult `json:"result"`
	Succeeded  bool                     `json:"succeeded"`
}

// Session is the record of one recovery run.
type Session struct {
	Attempts  []Attempt `json:"attempts"`
	Recovered bool      `json:"recovered"`
	FinalFix  string    `json:"final_fix,omitempty"`
}

// Count returns the number of executed fix attempts.
func (s *Session) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Attempts)
}

// Final returns the result of the successful fix, or nil when the session
// did not recover.
func (s *Session) Final() *sandbox.ExecutionResult {
	if s == nil || !s.Recovered || len(s.Attempts) == 0 {
		return nil
	}
	return s.Attempts[len(s.Attempts)-1].Result
}

// Loop drives a Strategy for at most MaxRetries attempts.
type Loop struct {
	strategy   Strategy
	maxRetries int
	audit      security.AuditLogger
	metrics    *observability.MetricsCollector
	logger     *slog.Logger
}

// NewLoop creates a recovery loop. maxRetries <= 0 selects DefaultMaxRetries.
func NewLoop(strategy Strategy, maxRetries int, audit security.AuditLogger, metrics *observability.MetricsCollector, logger *slog.Logger) *Loop {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if audit == nil {
		audit = security.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		strategy:   strategy,
		maxRetries: maxRetries,
		audit:      audit,
		metrics:    metrics,
		logger:     logger,
	}
}

// MaxRetries returns the attempt bound.
func (l *Loop) MaxRetries() int { return l.maxRetries }

// Run tries to recover command from the failed result. It stops at the
// first successful fix, when the strategy has no proposal, when ctx is
// done, or after MaxRetries attempts. Each attempt is audited.
func (l *Loop) Run(ctx context.Context, command string, failed *sandbox.ExecutionResult, exec Executor) *Session {
	session := &Session{}
	if l.strategy == nil || failed == nil {
		return session
	}

	last := failed
	for i := 1; i <= l.maxRetries; i++ {
		if ctx.Err() != nil {
			break
		}

		// 1. Ask the strategy for a fix based on the most recent failure.
		fix, ok := l.strategy.ProposeFix(ctx, command, last.ErrorOutput())
		if !ok || fix == "" {
			l.logger.DebugContext(ctx, "no fix proposed",
				slog.Int("attempt", i),
			)
			break
		}

		// 2. Run it without self-healing.
		res := exec(ctx, fix, false)
		if res == nil {
			res = &sandbox.ExecutionResult{ExitCode: sandbox.FailureExitCode, Error: "executor returned no result"}
		}
		attempt := Attempt{FixCommand: fix, Result: res, Succeeded: res.Success()}
		session.Attempts = append(session.Attempts, attempt)

		// 3. Record it.
		l.record(ctx, command, i, attempt)

		if attempt.Succeeded {
			session.Recovered = true
			session.FinalFix = fix
			l.logger.InfoContext(ctx, "command recovered",
				slog.Int("attempts", i),
				slog.String("fix", security.TruncateCommand(fix)),
			)
			return session
		}
		last = res
	}

	if len(session.Attempts) > 0 {
		l.logger.WarnContext(ctx, "recovery exhausted",
			slog.Int("attempts", len(session.Attempts)),
			slog.Int("max_retries", l.maxRetries),
		)
	}
	return session
}

func (l *Loop) record(ctx context.Context, command string, n int, a Attempt) {
	l.metrics.ObserveRecoveryAttempt(a.Succeeded)

	event := security.NewEvent(ctx, security.ActionRecover, command)
	event.Result = security.ResultFailure
	if a.Succeeded {
		event.Result = security.ResultSuccess
	}
	event.Parameters = map[string]any{
		"attempt":   n,
		"fix":       security.TruncateCommand(a.FixCommand),
		"exit_code": a.Result.ExitCode,
	}
	if a.Result.TimedOut {
		event.Result = security.ResultTimeout
	}
	event.Reason = "fix attempt " + strconv.Itoa(n)
	if err := l.audit.LogAction(ctx, event); err != nil {
		l.logger.ErrorContext(ctx, "failed to audit recovery attempt",
			slog.String("error", err.Error()),
		)
	}
}
