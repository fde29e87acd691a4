package api

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/agora-connector/internal/store"
)

// KindAudit is the store kind of admin audit entries.
const KindAudit store.Kind = "admin_audit"

// AuditEntry records one manual action taken through the admin API.
type AuditEntry struct {
	store.Record
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Details  map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// AuditLogger writes admin audit entries.
type AuditLogger struct {
	repo store.Repository[AuditEntry]
	now  func() time.Time
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(repo store.Repository[AuditEntry]) *AuditLogger {
	return &AuditLogger{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Record persists the entry. A nil logger records nothing.
func (l *AuditLogger) Record(ctx context.Context, companyID int64, entry AuditEntry) error {
	if l == nil {
		return nil
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityID == "" {
		return errors.New("audit entry requires action/entity/entity_id")
	}
	if entry.At.IsZero() {
		entry.At = l.now()
	}
	entry.CompanyID = companyID
	return l.repo.Create(ctx, &entry)
}
