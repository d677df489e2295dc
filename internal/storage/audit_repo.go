package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/cmdguard/internal/security"
)

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	CorrelationID string `gorm:"index"`
	UserID        string
	Action        string `gorm:"not null;index"`
	Command       string `gorm:"type:text;not null"`
	Decision      string
	Stage         string
	Reason        string `gorm:"type:text"`
	Result        string `gorm:"not null"`
	Parameters    string `gorm:"type:text"` // JSON object.
	ApprovedBy    string
	Error         string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }

// AuditQuery filters audit rows. Zero fields match everything.
type AuditQuery struct {
	CorrelationID string
	Action        string
	Result        string
	Limit         int // Default: 100.
}

// AuditRepository implements security.AuditStore.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db.GormDB()}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns matching audit events, newest first.
func (r *AuditRepository) Query(ctx context.Context, q AuditQuery) ([]security.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	tx := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if q.CorrelationID != "" {
		tx = tx.Where("correlation_id = ?", q.CorrelationID)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if q.Result != "" {
		tx = tx.Where("result = ?", q.Result)
	}

	var models []AuditEventModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

func toAuditModel(event security.AuditEvent) AuditEventModel {
	params := "{}"
	if len(event.Parameters) > 0 {
		if b, err := json.Marshal(event.Parameters); err == nil {
			params = string(b)
		}
	}
	created := event.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return AuditEventModel{
		ID:            uuid.NewString(),
		CorrelationID: event.CorrelationID,
		UserID:        event.UserID,
		Action:        event.Action,
		Command:       event.Command,
		Decision:      event.Decision,
		Stage:         event.Stage,
		Reason:        event.Reason,
		Result:        event.Result,
		Parameters:    params,
		ApprovedBy:    event.ApprovedBy,
		Error:         event.Error,
		CreatedAt:     created,
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	var params map[string]any
	if m.Parameters != "" && m.Parameters != "{}" {
		_ = json.Unmarshal([]byte(m.Parameters), &params)
	}
	return security.AuditEvent{
		Timestamp:     m.CreatedAt,
		CorrelationID: m.CorrelationID,
		UserID:        m.UserID,
		Action:        m.Action,
		Command:       m.Command,
		Decision:      m.Decision,
		Stage:         m.Stage,
		Reason:        m.Reason,
		Result:        m.Result,
		Parameters:    params,
		ApprovedBy:    m.ApprovedBy,
		Error:         m.Error,
	}
}

// compile-time interface check
var _ security.AuditStore = (*AuditRepository)(nil)
