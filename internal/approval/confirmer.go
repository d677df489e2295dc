// Package approval implements the confirmation service that stands between a
// validated command and its execution: interactive prompts, remembered and
// session-wide approvals, rule-based auto approval, and a queue resolved
// over the HTTP API.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/cmdguard/internal/config"
	"github.com/jkaninda/cmdguard/internal/security"
)

var (
	ErrNoTerminal      = errors.New("no terminal available for confirmation")
	ErrNotFound        = errors.New("approval not found")
	ErrExpired         = errors.New("approval expired")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// Details describes the command awaiting confirmation.
type Details struct {
	Command       string             `json:"command"`
	Mode          string             `json:"mode"`    // "direct" or "sandbox"
	Network       string             `json:"network"` // "none" or "bridge"
	Reason        string             `json:"reason,omitempty"`
	Risk          security.RiskLevel `json:"-"`
	UserID        string             `json:"user_id,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
}

// Response is the answer to a confirmation request.
type Response struct {
	Confirmed  bool   `json:"confirmed"`
	Feedback   string `json:"feedback,omitempty"`    // Why the user declined, passed back to the agent.
	ApprovedBy string `json:"approved_by,omitempty"` // "user", "session", "remembered", "auto", ...
	Remember   bool   `json:"remember,omitempty"`    // Approve identical commands for the rest of the session.
}

// Confirmer asks whether a command may run. Implementations must honour ctx.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, d Details) (Response, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, d Details) (Response, error)

func (f ConfirmerFunc) RequestConfirmation(ctx context.Context, d Details) (Response, error) {
	return f(ctx, d)
}

// DenyAll declines every request.
type DenyAll struct{}

func (DenyAll) RequestConfirmation(context.Context, Details) (Response, error) {
	return Response{Confirmed: false, Feedback: "confirmation disabled by configuration", ApprovedBy: "policy"}, nil
}

// ApproveAll accepts every request. Used by --yes.
type ApproveAll struct{}

func (ApproveAll) RequestConfirmation(context.Context, Details) (Response, error) {
	return Response{Confirmed: true, ApprovedBy: "flag"}, nil
}

// FromConfig builds the Session for the configured confirmation mode. The
// Queue is non-nil only in queue mode, where the HTTP API resolves requests.
func FromConfig(cfg config.ConfirmationConfig, audit security.AuditLogger, logger *slog.Logger) (*Session, *Queue) {
	var (
		inner Confirmer
		queue *Queue
	)
	switch cfg.Mode {
	case config.ConfirmDeny:
		inner = DenyAll{}
	case config.ConfirmAuto:
		inner = NewAutoApprover(AutoApprovalConfig{
			MaxAutoApprovals:  cfg.MaxAutoPerHour,
			RequiredApprovals: cfg.RequiredApprovals,
			MaxDirectRisk:     cfg.AutoMaxDirectRisk,
		}, NewTerminalConfirmer(), logger)
	case config.ConfirmQueue:
		queue = NewQueue(time.Duration(cfg.TimeoutS)*time.Second, logger)
		inner = queue
	default:
		inner = NewTerminalConfirmer()
	}

	s := NewSession(inner, audit, logger)
	if cfg.SessionApproval {
		s.ApproveSession()
	}
	return s, queue
}
