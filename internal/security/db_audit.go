package security

import (
	"context"
	"log/slog"
)

// AuditStore is an append-only store for audit events.
// No update or delete methods: rows are immutable.
type AuditStore interface {
	// Append writes a single audit event. Never updates or deletes.
	Append(ctx context.Context, event AuditEvent) error
}

// DBAuditLogger adapts an AuditStore to the AuditLogger interface.
type DBAuditLogger struct {
	store  AuditStore
	logger *slog.Logger
}

// NewDBAuditLogger creates a database-backed audit logger.
func NewDBAuditLogger(store AuditStore, logger *slog.Logger) *DBAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBAuditLogger{
		store:  store,
		logger: logger,
	}
}

// LogAction appends an audit event to the database.
func (a *DBAuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "failed to log audit event",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
		return err
	}

	a.logger.DebugContext(ctx, "audit event logged (db)",
		slog.String("action", event.Action),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// Close is a no-op. The database connection is managed by the storage layer
// and closed separately.
func (a *DBAuditLogger) Close() error {
	return nil
}
