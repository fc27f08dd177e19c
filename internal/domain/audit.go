package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Audit event types recorded to the global stream. Document lifecycle events
// are additionally appended to the document's embedded trail.
const (
	AuditDocumentCreated   = "document.created"
	AuditDocumentSent      = "document.sent"
	AuditDocumentViewed    = "document.viewed"
	AuditRecipientSigned   = "recipient.signed"
	AuditDocumentCompleted = "document.completed"
	AuditDocumentDeclined  = "document.declined"
	AuditDocumentVoided    = "document.voided"
	AuditRateLimitExceeded = "rate_limit.exceeded"
	AuditAnomalyAlert      = "anomaly.alert"
	AuditAnomalyBlocked    = "anomaly.blocked"
	AuditWebhookRejected   = "webhook.rejected"
)

// AuditEntry is one row of the global append-only audit stream. The public
// contract offers no update or delete; compliance retention is at least seven
// years and enforced at the storage layer.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	ActorType  string         `json:"actor_type"` // "user", "recipient", "webhook", "system"
	ActorID    string         `json:"actor_id"`
	Event      string         `json:"event"`
	Resource   string         `json:"resource"` // "document", "endpoint", "user"
	ResourceID uuid.UUID      `json:"resource_id"`
	IPAddress  string         `json:"ip_address,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Geo        string         `json:"geo,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type AuditRepository interface {
	Record(ctx context.Context, entry *AuditEntry) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, from, to time.Time, limit, offset int) ([]*AuditEntry, error)
	ListByResource(ctx context.Context, tenantID uuid.UUID, resource string, resourceID uuid.UUID) ([]*AuditEntry, error)
}
