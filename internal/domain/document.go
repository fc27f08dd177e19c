package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

const (
	DocumentStatusDraft           DocumentStatus = "draft"
	DocumentStatusSent            DocumentStatus = "sent"
	DocumentStatusViewed          DocumentStatus = "viewed"
	DocumentStatusPartiallySigned DocumentStatus = "partially_signed"
	DocumentStatusCompleted       DocumentStatus = "completed"
	DocumentStatusDeclined        DocumentStatus = "declined"
	DocumentStatusVoided          DocumentStatus = "voided"

	// DocumentStatusExpired is derived, never stored. EffectiveStatus computes
	// it from the stored status and the expiration date at read time.
	DocumentStatusExpired DocumentStatus = "expired"
)

// Terminal reports whether no further recipient action is possible.
func (s DocumentStatus) Terminal() bool {
	switch s {
	case DocumentStatusCompleted, DocumentStatusDeclined, DocumentStatusVoided, DocumentStatusExpired:
		return true
	default:
		return false
	}
}

type DocumentType string

const (
	DocumentTypeGeneric      DocumentType = "generic"
	DocumentTypeSubscription DocumentType = "subscription"
	DocumentTypeNDA          DocumentType = "nda"
	DocumentTypeSideLetter   DocumentType = "side_letter"
)

// TrailEntry is one record in a document's embedded audit trail. The trail is
// append-only and serialized as a JSON array alongside the document row.
type TrailEntry struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	IPAddress string         `json:"ipAddress,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type SignatureDocument struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	SubscriptionID *uuid.UUID     `json:"subscription_id,omitempty"` // nullable, linked business record
	CreatedBy      uuid.UUID      `json:"created_by"`
	Title          string         `json:"title"`
	Type           DocumentType   `json:"type"`
	Status         DocumentStatus `json:"status"`
	ExpirationDate *time.Time     `json:"expiration_date,omitempty"`
	AuditTrail     []TrailEntry   `json:"audit_trail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DeclinedAt     *time.Time     `json:"declined_at,omitempty"`
	VoidedAt       *time.Time     `json:"voided_at,omitempty"`
	VoidReason     string         `json:"void_reason,omitempty"`

	Recipients []*SignatureRecipient `json:"recipients,omitempty"`
	Fields     []*SignatureField     `json:"fields,omitempty"`
}

// EffectiveStatus resolves the derived expired state. Expiration is a pure
// function of the stored status, the expiration date and the clock; it is
// evaluated at every read boundary and never written back.
func (d *SignatureDocument) EffectiveStatus(now time.Time) DocumentStatus {
	if d.Status.Terminal() {
		return d.Status
	}
	if d.ExpirationDate != nil && d.ExpirationDate.Before(now) {
		return DocumentStatusExpired
	}
	return d.Status
}

// RecomputeStatus derives the non-terminal document status from recipient
// statuses. Terminal statuses (completed, declined, voided) are set by their
// explicit transitions and are never overwritten here.
func (d *SignatureDocument) RecomputeStatus() {
	if d.Status.Terminal() || d.Status == DocumentStatusDraft {
		return
	}

	total, signed := 0, 0
	for _, r := range d.Recipients {
		if !r.Role.MustSign() {
			continue
		}
		total++
		if r.Status == RecipientStatusSigned {
			signed++
		}
	}

	switch {
	case total > 0 && signed == total:
		d.Status = DocumentStatusCompleted
	case signed > 0:
		d.Status = DocumentStatusPartiallySigned
	}
}

// SigningBlocked reports whether sequential-order policy blocks the given
// recipient from acting: every SIGNER/APPROVER with a strictly lower order
// must already be signed.
func (d *SignatureDocument) SigningBlocked(rec *SignatureRecipient) bool {
	for _, other := range d.Recipients {
		if other.ID == rec.ID || !other.Role.MustSign() {
			continue
		}
		if other.Order < rec.Order && other.Status != RecipientStatusSigned {
			return true
		}
	}
	return false
}

// Recipient returns the recipient with the given id, or nil.
func (d *SignatureDocument) Recipient(id uuid.UUID) *SignatureRecipient {
	for _, r := range d.Recipients {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// RecipientByToken returns the recipient holding the given signing token, or nil.
func (d *SignatureDocument) RecipientByToken(token string) *SignatureRecipient {
	for _, r := range d.Recipients {
		if r.SigningToken == token && token != "" {
			return r
		}
	}
	return nil
}

// AppendTrail adds an entry to the embedded audit trail. Persistence of the
// grown trail happens inside the repository's Mutate transaction, which holds
// the document row lock, so concurrent appends cannot lose entries.
func (d *SignatureDocument) AppendTrail(e TrailEntry) {
	d.AuditTrail = append(d.AuditTrail, e)
}

type DocumentRepository interface {
	Create(ctx context.Context, d *SignatureDocument) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*SignatureDocument, error)

	// GetAny fetches without a tenant scope. Only the webhook pipeline uses
	// it, to tell a tenant mismatch apart from an unknown document.
	GetAny(ctx context.Context, id uuid.UUID) (*SignatureDocument, error)

	GetByToken(ctx context.Context, token string) (*SignatureDocument, error)
	List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*SignatureDocument, error)
	UpdateDraft(ctx context.Context, d *SignatureDocument) error

	// Mutate loads the document with its row locked, applies fn, and persists
	// the document, its recipients and the embedded audit trail in a single
	// transaction. fn returning an error rolls everything back.
	Mutate(ctx context.Context, tenantID, id uuid.UUID, fn func(d *SignatureDocument) error) (*SignatureDocument, error)

	// MarkSubscriptionSigned flags the linked business record. Returns
	// ErrConflict if it was already marked, which completion handling uses to
	// keep the side effect exactly-once under duplicate webhook delivery.
	MarkSubscriptionSigned(ctx context.Context, tenantID, subscriptionID uuid.UUID) error
}
