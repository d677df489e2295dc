package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/jkaninda/cmdguard/internal/security"
	"github.com/jkaninda/cmdguard/internal/sandbox"
)

// AutoApprover approves commands by rule and learns from manual approvals.
// Any low-risk command, or a direct-mode command at or below MaxDirectRisk,
// is approved outright. A command the same user approved manually
// RequiredApprovals times within the lookback window is approved too, up to
// MaxAutoApprovals per user per hour. Everything else is deferred to the fallback.
type AutoApprover struct {
	fallback Confirmer

	mu        sync.Mutex
	history   map[string][]time.Time // user|fingerprint → manual approvals
	counters  map[string]int         // userID → learned approvals this hour
	hourSlot  int64
	config    AutoApprovalConfig
	maxDirect security.RiskLevel
	logger    *slog.Logger
	now       func() time.Time
}

// AutoApprovalConfig controls auto-approval behavior.
type AutoApprovalConfig struct {
	MaxAutoApprovals  int    // Per user per hour. Default: 10.
	RequiredApprovals int    // Manual approvals needed before a command is learned. Default: 3.
	WindowHours       int    // Lookback window in hours. Default: 24.
	MaxDirectRisk     string // "low", "medium" or "high". Default: "medium".
}

// NewAutoApprover creates an AutoApprover. A nil fallback denies.
func NewAutoApprover(cfg AutoApprovalConfig, fallback Confirmer, logger *slog.Logger) *AutoApprover {
	if cfg.MaxAutoApprovals <= 0 {
		cfg.MaxAutoApprovals = 10
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.MaxDirectRisk == "" {
		cfg.MaxDirectRisk = "medium"
	}
	if fallback == nil {
		fallback = DenyAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoApprover{
		fallback:  fallback,
		history:   make(map[string][]time.Time),
		counters:  make(map[string]int),
		config:    cfg,
		maxDirect: security.ParseRiskLevel(cfg.MaxDirectRisk),
		logger:    logger,
		now:       time.Now,
	}
}

// RequestConfirmation implements Confirmer.
func (a *AutoApprover) RequestConfirmation(ctx context.Context, d Details) (Response, error) {
	if ok, reason := a.byRule(d); ok {
		a.logger.DebugContext(ctx, "auto-approving command by rule",
			slog.String("command", security.TruncateCommand(d.Command)),
			slog.String("reason", reason),
		)
		return Response{Confirmed: true, ApprovedBy: "auto"}, nil
	}
	if ok, reason := a.ShouldAutoApprove(d.UserID, d.Command); ok {
		a.logger.InfoContext(ctx, "auto-approving command",
			slog.String("user_id", d.UserID),
			slog.String("command", security.TruncateCommand(d.Command)),
			slog.String("reason", reason),
		)
		return Response{Confirmed: true, ApprovedBy: "auto-learned"}, nil
	}

	resp, err := a.fallback.RequestConfirmation(ctx, d)
	if err == nil && resp.Confirmed {
		a.RecordManualApproval(d.UserID, d.Command)
	}
	return resp, err
}

func (a *AutoApprover) byRule(d Details) (bool, string) {
	switch {
	case d.Risk == security.RiskLow:
		return true, "low risk"
	case d.Mode == sandbox.ModeDirect && d.Risk <= a.maxDirect:
		return true, "direct mode"
	default:
		return false, ""
	}
}

// ShouldAutoApprove reports whether command was manually approved by userID
// often enough to be approved without asking.
func (a *AutoApprover) ShouldAutoApprove(userID, command string) (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if slot := now.Unix() / 3600; slot != a.hourSlot {
		clear(a.counters)
		a.hourSlot = slot
	}
	if a.counters[userID] >= a.config.MaxAutoApprovals {
		return false, ""
	}

	cutoff := now.Add(-time.Duration(a.config.WindowHours) * time.Hour)
	recent := 0
	for _, ts := range a.history[approvalKey(userID, command)] {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent < a.config.RequiredApprovals {
		return false, ""
	}

	a.counters[userID]++
	return true, fmt.Sprintf("%d prior manual approvals in %dh window", recent, a.config.WindowHours)
}

// RecordManualApproval records that userID approved command by hand.
func (a *AutoApprover) RecordManualApproval(userID, command string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := approvalKey(userID, command)
	cutoff := a.now().Add(-time.Duration(a.config.WindowHours) * time.Hour)
	pruned := make([]time.Time, 0, len(a.history[key])+1)
	for _, ts := range a.history[key] {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	a.history[key] = append(pruned, a.now())
}

func approvalKey(userID, command string) string {
	return userID + "|" + strconv.FormatUint(Fingerprint(command), 16)
}
