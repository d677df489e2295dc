// Package security holds the audit trail for cmdguard: the AuditEvent model,
// the sinks that persist it, and the risk levels attached to commands.
package security

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// ErrAuditClosed is returned when logging to a closed sink.
var ErrAuditClosed = errors.New("audit logger closed")

// RiskLevel classifies the danger of a command.
type RiskLevel int

const (
	RiskLow      RiskLevel = iota // Read-only, no side effects.
	RiskMedium                    // Writes to scoped resources.
	RiskHigh                      // System changes, requires approval.
	RiskCritical                  // Destructive operations, always requires approval.
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskCritical (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Audit actions.
const (
	ActionValidate = "command.validate"
	ActionRoute    = "command.route"
	ActionConfirm  = "command.confirm"
	ActionExecute  = "command.execute"
	ActionRecover  = "command.recover"
)

// Audit results.
const (
	ResultAllowed    = "allowed"
	ResultDenied     = "denied"
	ResultDowngraded = "downgraded"
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultTimeout    = "timeout"
)

// MaxAuditCommandLen is the number of runes of a command kept in an event.
const MaxAuditCommandLen = 256

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	UserID        string         `json:"user_id,omitempty"`
	Action        string         `json:"action"`
	Command       string         `json:"command"`
	Decision      string         `json:"decision,omitempty"` // "direct" or "sandbox" for routing events.
	Stage         string         `json:"stage,omitempty"`    // Validation stage that produced the verdict.
	Reason        string         `json:"reason,omitempty"`
	Result        string         `json:"result"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// AuditLogger is the audit sink. Implementations must be safe for concurrent use.
type AuditLogger interface {
	LogAction(ctx context.Context, event AuditEvent) error
}

// NewEvent builds an event stamped with the correlation and user IDs carried
// by ctx. The command is truncated to MaxAuditCommandLen runes.
func NewEvent(ctx context.Context, action, command string) AuditEvent {
	return AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: CorrelationIDFromContext(ctx),
		UserID:        UserIDFromContext(ctx),
		Action:        action,
		Command:       TruncateCommand(command),
	}
}

// TruncateCommand caps cmd at MaxAuditCommandLen runes.
func TruncateCommand(cmd string) string {
	if utf8.RuneCountInString(cmd) <= MaxAuditCommandLen {
		return cmd
	}
	runes := []rune(cmd)
	return string(runes[:MaxAuditCommandLen]) + "…"
}

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

func (NopAuditLogger) LogAction(context.Context, AuditEvent) error { return nil }

// MultiAuditLogger fans an event out to several sinks. Every sink is
// attempted; the joined error reports all failures.
type MultiAuditLogger []AuditLogger

func (m MultiAuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, l := range m {
		if err := l.LogAction(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const (
	correlationIDKey contextKey = iota
	userIDKey
)

// ContextWithCorrelationID returns a new context carrying the correlation ID.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation ID, or "" if not set.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithUserID returns a new context carrying the user ID.
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext extracts the user ID, or "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
