package approval

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/jkaninda/cmdguard/internal/security"
)

// Fingerprint identifies a command for remembered approvals. Runs of
// whitespace are collapsed so trivially reformatted commands match.
func Fingerprint(command string) uint64 {
	return xxhash.Sum64String(strings.Join(strings.Fields(command), " "))
}

// Session wraps a Confirmer with a standing session approval and a set of
// remembered per-command approvals. Every answer is audited.
type Session struct {
	inner    Confirmer
	approved atomic.Bool
	audit    security.AuditLogger
	logger   *slog.Logger

	mu         sync.RWMutex
	remembered map[uint64]struct{}
}

// NewSession wraps inner. A nil inner denies everything that is not already
// approved.
func NewSession(inner Confirmer, audit security.AuditLogger, logger *slog.Logger) *Session {
	if inner == nil {
		inner = DenyAll{}
	}
	if audit == nil {
		audit = security.NopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		inner:      inner,
		audit:      audit,
		logger:     logger,
		remembered: make(map[uint64]struct{}),
	}
}

// ApproveSession approves every command until RevokeSession.
func (s *Session) ApproveSession() {
	s.approved.Store(true)
	s.logger.Info("session approval granted")
}

// RevokeSession drops the standing approval and every remembered command.
func (s *Session) RevokeSession() {
	s.approved.Store(false)
	s.mu.Lock()
	clear(s.remembered)
	s.mu.Unlock()
	s.logger.Info("session approval revoked")
}

// SessionApproved reports whether a standing approval is active.
func (s *Session) SessionApproved() bool { return s.approved.Load() }

// Remember approves command for the rest of the session.
func (s *Session) Remember(command string) {
	s.mu.Lock()
	s.remembered[Fingerprint(command)] = struct{}{}
	s.mu.Unlock()
}

// Remembered reports whether command was approved with "always".
func (s *Session) Remembered(command string) bool {
	s.mu.RLock()
	_, ok := s.remembered[Fingerprint(command)]
	s.mu.RUnlock()
	return ok
}

// RequestConfirmation answers from the session state when it can and asks
// the wrapped Confirmer otherwise. Errors from the wrapped Confirmer are
// treated as a denial.
func (s *Session) RequestConfirmation(ctx context.Context, d Details) (Response, error) {
	var (
		resp Response
		err  error
	)
	switch {
	case s.approved.Load():
		resp = Response{Confirmed: true, ApprovedBy: "session"}
	case s.Remembered(d.Command):
		resp = Response{Confirmed: true, ApprovedBy: "remembered"}
	default:
		resp, err = s.inner.RequestConfirmation(ctx, d)
		if err != nil {
			resp = Response{Confirmed: false, Feedback: err.Error()}
		}
		if resp.Confirmed && resp.Remember {
			s.Remember(d.Command)
		}
	}

	s.record(ctx, d, resp, err)
	return resp, err
}

func (s *Session) record(ctx context.Context, d Details, resp Response, err error) {
	event := security.NewEvent(ctx, security.ActionConfirm, d.Command)
	event.Decision = d.Mode
	event.Reason = d.Reason
	event.ApprovedBy = resp.ApprovedBy
	event.Parameters = map[string]any{"risk": d.Risk.String()}
	if resp.Confirmed {
		event.Result = security.ResultAllowed
	} else {
		event.Result = security.ResultDenied
		if resp.Feedback != "" {
			event.Parameters["feedback"] = resp.Feedback
		}
	}
	if err != nil {
		event.Error = err.Error()
		s.logger.WarnContext(ctx, "confirmation failed",
			slog.String("command", event.Command),
			slog.String("error", err.Error()),
		)
	}

	if auditErr := s.audit.LogAction(ctx, event); auditErr != nil {
		s.logger.ErrorContext(ctx, "failed to audit confirmation",
			slog.String("error", auditErr.Error()),
		)
	}
}
