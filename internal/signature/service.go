package signature

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/domain"
)

// Actor identifies who drove a transition, with the request context captured
// for the audit trail. For webhook-driven events the IP/user agent are the
// original signer's when the provider supplies them.
type Actor struct {
	Type      string // "user", "recipient" or "webhook"
	ID        string
	IP        string
	UserAgent string
	Geo       string
}

// CompletionNotifier receives the completion fan-out. Implementations must be
// fire-and-forget: a slow or failing send never blocks or rolls back the
// transition.
type CompletionNotifier interface {
	DocumentCompleted(ctx context.Context, doc *domain.SignatureDocument)
}

// Service owns the signature document lifecycle. All status-affecting
// operations run inside DocumentRepository.Mutate so recipient mutation,
// document status recomputation and the embedded trail append commit as one
// atomic unit.
type Service struct {
	docs     domain.DocumentRepository
	audit    *audit.Recorder
	notifier CompletionNotifier
	tokenTTL time.Duration
	now      func() time.Time
}

func NewService(docs domain.DocumentRepository, recorder *audit.Recorder, notifier CompletionNotifier, tokenTTL time.Duration) *Service {
	return &Service{
		docs:     docs,
		audit:    recorder,
		notifier: notifier,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// DraftRecipient describes one party when drafting a document.
type DraftRecipient struct {
	Email string
	Name  string
	Role  domain.RecipientRole
	Order int
}

// DraftField describes one placed field when drafting a document.
type DraftField struct {
	RecipientIndex int // index into the recipients slice
	Type           domain.FieldType
	Page           int
	X, Y           float64
	Width, Height  float64
	Required       bool
}

// CreateDraft creates a document in DRAFT with its recipients and fields.
func (s *Service) CreateDraft(ctx context.Context, tenantID, createdBy uuid.UUID, title string, docType domain.DocumentType, subscriptionID *uuid.UUID, expires *time.Time, recipients []DraftRecipient, fields []DraftField) (*domain.SignatureDocument, error) {
	now := s.now()

	doc := &domain.SignatureDocument{
		ID:             uuid.New(),
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		CreatedBy:      createdBy,
		Title:          title,
		Type:           docType,
		Status:         domain.DocumentStatusDraft,
		ExpirationDate: expires,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	doc.Recipients = buildRecipients(doc.ID, recipients, now)

	built, err := buildFields(doc, fields, now)
	if err != nil {
		return nil, fmt.Errorf("signature.CreateDraft: %w", err)
	}
	doc.Fields = built

	doc.AppendTrail(domain.TrailEntry{
		Event:     domain.AuditDocumentCreated,
		Timestamp: now,
		Details:   map[string]any{"title": title, "type": string(docType)},
	})

	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("signature.CreateDraft: %w", err)
	}

	s.audit.TryRecord(ctx, &domain.AuditEntry{
		TenantID:   tenantID,
		ActorType:  "user",
		ActorID:    createdBy.String(),
		Event:      domain.AuditDocumentCreated,
		Resource:   "document",
		ResourceID: doc.ID,
		Details:    map[string]any{"title": title},
	})

	return doc, nil
}

// UpdateDraft edits a document while it is still DRAFT. Only the creator may
// edit a draft. A nil recipients slice leaves the parties untouched; a non-nil
// one replaces them, and with them the placed fields, since fields bind to
// recipient identities. A nil fields slice alone leaves fields untouched.
func (s *Service) UpdateDraft(ctx context.Context, tenantID, docID, userID uuid.UUID, title string, expires *time.Time, recipients []DraftRecipient, fields []DraftField) (*domain.SignatureDocument, error) {
	doc, err := s.docs.GetByID(ctx, tenantID, docID)
	if err != nil {
		return nil, fmt.Errorf("signature.UpdateDraft: %w", err)
	}
	if doc.Status != domain.DocumentStatusDraft {
		return nil, fmt.Errorf("signature.UpdateDraft: %w", domain.ErrDocumentNotActionable)
	}
	if doc.CreatedBy != userID {
		return nil, fmt.Errorf("signature.UpdateDraft: %w", domain.ErrForbidden)
	}

	now := s.now()
	if title != "" {
		doc.Title = title
	}
	if expires != nil {
		doc.ExpirationDate = expires
	}
	if recipients != nil {
		doc.Recipients = buildRecipients(doc.ID, recipients, now)
		doc.Fields = nil
	}
	if fields != nil {
		built, buildErr := buildFields(doc, fields, now)
		if buildErr != nil {
			return nil, fmt.Errorf("signature.UpdateDraft: %w", buildErr)
		}
		doc.Fields = built
	}
	doc.UpdatedAt = now

	if err := s.docs.UpdateDraft(ctx, doc); err != nil {
		return nil, fmt.Errorf("signature.UpdateDraft: %w", err)
	}
	return doc, nil
}

// Send transitions DRAFT -> SENT: requires at least one SIGNER or APPROVER
// and issues a signing token per recipient.
func (s *Service) Send(ctx context.Context, tenantID, docID uuid.UUID, actor Actor) (*domain.SignatureDocument, error) {
	doc, err := s.docs.Mutate(ctx, tenantID, docID, func(d *domain.SignatureDocument) error {
		if d.Status != domain.DocumentStatusDraft {
			return fmt.Errorf("document is %s: %w", d.Status, domain.ErrInvalidTransition)
		}

		signers := 0
		for _, r := range d.Recipients {
			if r.Role.MustSign() {
				signers++
			}
		}
		if signers == 0 {
			return fmt.Errorf("no signer or approver recipients: %w", domain.ErrConflict)
		}

		now := s.now()
		tokenExpiry := now.Add(s.tokenTTL)
		for _, r := range d.Recipients {
			token, tokenErr := newSigningToken()
			if tokenErr != nil {
				return tokenErr
			}
			r.SigningToken = token
			r.TokenExpiresAt = &tokenExpiry
			r.UpdatedAt = now
		}

		d.Status = domain.DocumentStatusSent
		d.SentAt = &now
		d.UpdatedAt = now
		d.AppendTrail(domain.TrailEntry{
			Event:     domain.AuditDocumentSent,
			Timestamp: now,
			IPAddress: actor.IP,
			UserAgent: actor.UserAgent,
			Details:   map[string]any{"recipients": len(d.Recipients)},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signature.Send: %w", err)
	}

	s.recordLifecycle(ctx, doc, actor, domain.AuditDocumentSent, map[string]any{"recipients": len(doc.Recipients)})
	return doc, nil
}

// RecordView handles a view event. Expired documents are refused before any
// mutation, so no VIEWED transition is recorded for them. The document only
// moves to VIEWED from SENT: a view never downgrades PARTIALLY_SIGNED.
func (s *Service) RecordView(ctx context.Context, tenantID, docID, recipientID uuid.UUID, actor Actor) (*domain.SignatureDocument, error) {
	doc, err := s.docs.Mutate(ctx, tenantID, docID, func(d *domain.SignatureDocument) error {
		rec := d.Recipient(recipientID)
		if rec == nil {
			return fmt.Errorf("recipient %s: %w", recipientID, domain.ErrNotFound)
		}

		now := s.now()
		if guardErr := guardActionable(d, rec, now); guardErr != nil {
			return guardErr
		}

		if rec.Status == domain.RecipientStatusPending {
			rec.Status = domain.RecipientStatusViewed
		}
		if rec.ViewedAt == nil {
			viewedAt := now
			rec.ViewedAt = &viewedAt
		}
		rec.IPAddress = actor.IP
		rec.UserAgent = actor.UserAgent
		rec.UpdatedAt = now

		if d.Status == domain.DocumentStatusSent {
			d.Status = domain.DocumentStatusViewed
		}
		d.UpdatedAt = now
		d.AppendTrail(domain.TrailEntry{
			Event:     domain.AuditDocumentViewed,
			Timestamp: now,
			IPAddress: actor.IP,
			UserAgent: actor.UserAgent,
			Details:   map[string]any{"recipient_id": rec.ID.String()},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signature.RecordView: %w", err)
	}

	s.recordLifecycle(ctx, doc, actor, domain.AuditDocumentViewed, map[string]any{"recipient_id": recipientID.String()})
	return doc, nil
}

// Sign applies a recipient signature. Field values for the recipient are
// written exactly once. Returns completedNow=true when this signature
// completed the document; completion side effects have already been triggered.
func (s *Service) Sign(ctx context.Context, tenantID, docID, recipientID uuid.UUID, values map[uuid.UUID]string, actor Actor) (doc *domain.SignatureDocument, completedNow bool, err error) {
	doc, err = s.docs.Mutate(ctx, tenantID, docID, func(d *domain.SignatureDocument) error {
		rec := d.Recipient(recipientID)
		if rec == nil {
			return fmt.Errorf("recipient %s: %w", recipientID, domain.ErrNotFound)
		}

		now := s.now()
		if guardErr := guardActionable(d, rec, now); guardErr != nil {
			return guardErr
		}

		if d.SigningBlocked(rec) {
			return fmt.Errorf("recipient order %d: %w", rec.Order, domain.ErrSigningOrder)
		}
		if !rec.Status.ValidTransition(domain.RecipientStatusSigned) {
			return fmt.Errorf("recipient is %s: %w", rec.Status, domain.ErrInvalidTransition)
		}

		rec.Status = domain.RecipientStatusSigned
		signedAt := now
		rec.SignedAt = &signedAt
		rec.IPAddress = actor.IP
		rec.UserAgent = actor.UserAgent
		rec.UpdatedAt = now

		// Write-once field capture: only the signer's own empty fields.
		for _, f := range d.Fields {
			if f.RecipientID != rec.ID || f.Value != "" {
				continue
			}
			if v, ok := values[f.ID]; ok {
				f.Value = v
				f.UpdatedAt = now
			}
		}

		wasCompleted := d.Status == domain.DocumentStatusCompleted
		d.RecomputeStatus()
		if d.Status == domain.DocumentStatusCompleted && !wasCompleted {
			completedNow = true
			completedAt := now
			d.CompletedAt = &completedAt
		}
		d.UpdatedAt = now

		d.AppendTrail(domain.TrailEntry{
			Event:     domain.AuditRecipientSigned,
			Timestamp: now,
			IPAddress: actor.IP,
			UserAgent: actor.UserAgent,
			Details:   map[string]any{"recipient_id": rec.ID.String(), "email": rec.Email},
		})
		if completedNow {
			d.AppendTrail(domain.TrailEntry{
				Event:     domain.AuditDocumentCompleted,
				Timestamp: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("signature.Sign: %w", err)
	}

	s.recordLifecycle(ctx, doc, actor, domain.AuditRecipientSigned, map[string]any{"recipient_id": recipientID.String()})
	if completedNow {
		s.finishCompletion(ctx, doc)
	}
	return doc, completedNow, nil
}

// ConfirmCompleted applies the provider's document_completed event. Already
// completed documents are an idempotent no-op (completedNow=false). A
// completion claim while signers are still pending is a conflict: recipient
// events are the source of truth.
func (s *Service) ConfirmCompleted(ctx context.Context, tenantID, docID uuid.UUID, actor Actor) (doc *domain.SignatureDocument, completedNow bool, err error) {
	doc, err = s.docs.Mutate(ctx, tenantID, docID, func(d *domain.SignatureDocument) error {
		if d.Status == domain.DocumentStatusCompleted {
			return nil // duplicate delivery
		}

		now := s.now()
		if guardErr := guardDocument(d, now); guardErr != nil {
			return guardErr
		}

		for _, r := range d.Recipients {
			if r.Role.MustSign() && r.Status != domain.RecipientStatusSigned {
				return fmt.Errorf("recipient %s not signed: %w", r.ID, domain.ErrConflict)
			}
		}

		d.Status = domain.DocumentStatusCompleted
		completedAt := now
		d.CompletedAt = &completedAt
		d.UpdatedAt = now
		completedNow = true
		d.AppendTrail(domain.TrailEntry{
			Event:     domain.AuditDocumentCompleted,
			Timestamp: now,
			IPAddress: actor.IP,
			UserAgent: actor.UserAgent,
		})
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("signature.ConfirmCompleted: %w", err)
	}

	if completedNow {
		s.recordLifecycle(ctx, doc, actor, domain.AuditDocumentCompleted, nil)
		s.finishCompletion(ctx, doc)
	}
	return doc, completedNow, nil
}

// Decline records a recipient's refusal and terminates the document. The
// reason is optional. Declining an already-declined document is an idempotent
// no-op.
func (s *Service) Decline(ctx context.Context, tenantID, docID, recipientID uuid.UUID, reason string, actor Actor) (*domain.SignatureDocument, error) {
	var noop bool
	doc, err := s.docs.Mutate(ctx, tenantID, docID, func(d *domain.SignatureDocument) error {
		rec := d.Recipient(recipientID)
		if rec == nil {
			return fmt.Errorf("recipient %s: %w", recipientID, domain.ErrNotFound)
		}

		if d.Status == domain.DocumentStatusDeclined && rec.Status == domain.RecipientStatusDeclined {
			noop = true
			return nil
		}

		now := s.now()
		if guardErr := guardActionable(d, rec, now); guardErr != nil {
			return guardErr
		}
		if !rec.Status.ValidTransition(domain.RecipientStatusDeclined) {
			return fmt.Errorf("recipient is %s: %w", rec.Status, domain.ErrInvalidTransition)
		}

		declinedAt := now
		rec.Status = domain.RecipientStatusDeclined
		rec.DeclinedAt = &declinedAt
		rec.DeclinedReason = reason
		rec.IPAddress = actor.IP
		rec.UserAgent = actor.UserAgent
		rec.UpdatedAt = now

		d.Status = domain.DocumentStatusDeclined
		d.DeclinedAt = &declinedAt
		d.UpdatedAt = now
		d.AppendTrail(domain.TrailEntry{
			Event:     domain.AuditDocumentDeclined,
			Timestamp: now,
			IPAddress: actor.IP,
			UserAgent: actor.UserAgent,
			Details:   map[string]any{"recipient_id": rec.ID.String(), "reason": reason},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signature.Decline: %w", err)
	}

	if !noop {
		s.recordLifecycle(ctx, doc, actor, domain.AuditDocumentDeclined, map[string]any{"reason": reason})
	}
	return doc, nil
}

// Void is the administrative kill switch: valid from any non-terminal state,
// independent of recipient progress.
func (s *Service) Void(ctx context.Context, tenantID, docID uuid.UUID, reason string, actor Actor) (*domain.SignatureDocument, error) {
	doc, err := s.docs.Mutate(ctx, tenantID, docID, func(d *domain.SignatureDocument) error {
		if d.Status.Terminal() {
			return fmt.Errorf("document is %s: %w", d.Status, domain.ErrDocumentNotActionable)
		}

		now := s.now()
		voidedAt := now
		d.Status = domain.DocumentStatusVoided
		d.VoidedAt = &voidedAt
		d.VoidReason = reason
		d.UpdatedAt = now
		d.AppendTrail(domain.TrailEntry{
			Event:     domain.AuditDocumentVoided,
			Timestamp: now,
			IPAddress: actor.IP,
			UserAgent: actor.UserAgent,
			Details:   map[string]any{"reason": reason, "actor": actor.ID},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signature.Void: %w", err)
	}

	s.recordLifecycle(ctx, doc, actor, domain.AuditDocumentVoided, map[string]any{"reason": reason})
	return doc, nil
}

// GetByToken resolves a signing link, enforcing token expiry.
func (s *Service) GetByToken(ctx context.Context, token string) (*domain.SignatureDocument, *domain.SignatureRecipient, error) {
	doc, err := s.docs.GetByToken(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("signature.GetByToken: %w", err)
	}

	rec := doc.RecipientByToken(token)
	if rec == nil {
		return nil, nil, fmt.Errorf("signature.GetByToken: %w", domain.ErrNotFound)
	}
	if rec.TokenExpiresAt != nil && rec.TokenExpiresAt.Before(s.now()) {
		return nil, nil, fmt.Errorf("signature.GetByToken: %w", domain.ErrTokenExpired)
	}

	return doc, rec, nil
}

// Lookup fetches a document without a tenant scope. The webhook pipeline uses
// it to check the claimed tenant against the document's actual owner.
func (s *Service) Lookup(ctx context.Context, docID uuid.UUID) (*domain.SignatureDocument, error) {
	doc, err := s.docs.GetAny(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("signature.Lookup: %w", err)
	}
	return doc, nil
}

// finishCompletion runs the post-commit completion side effects: marking the
// linked business record signed (exactly once; the repo reports a repeat as
// ErrConflict) and the notification fan-out. Neither can undo the transition.
func (s *Service) finishCompletion(ctx context.Context, doc *domain.SignatureDocument) {
	if doc.SubscriptionID != nil {
		err := s.docs.MarkSubscriptionSigned(ctx, doc.TenantID, *doc.SubscriptionID)
		if err != nil && !isConflict(err) {
			log.Error().Err(err).
				Str("document_id", doc.ID.String()).
				Str("subscription_id", doc.SubscriptionID.String()).
				Msg("signature: mark subscription signed failed")
		}
	}

	// The notifier backgrounds the send; WithoutCancel keeps it alive past the
	// webhook response.
	s.notifier.DocumentCompleted(context.WithoutCancel(ctx), doc)
}

func (s *Service) recordLifecycle(ctx context.Context, doc *domain.SignatureDocument, actor Actor, event string, details map[string]any) {
	s.audit.TryRecord(ctx, &domain.AuditEntry{
		TenantID:   doc.TenantID,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		Event:      event,
		Resource:   "document",
		ResourceID: doc.ID,
		IPAddress:  actor.IP,
		UserAgent:  actor.UserAgent,
		Geo:        actor.Geo,
		Details:    details,
	})
}

// guardActionable rejects actions against terminal or expired documents with
// reason-coded errors, distinguishing "already signed by you" from "document
// no longer actionable".
func guardActionable(d *domain.SignatureDocument, rec *domain.SignatureRecipient, now time.Time) error {
	if rec.Status == domain.RecipientStatusSigned {
		return fmt.Errorf("recipient %s: %w", rec.ID, domain.ErrAlreadySigned)
	}
	return guardDocument(d, now)
}

func guardDocument(d *domain.SignatureDocument, now time.Time) error {
	switch status := d.EffectiveStatus(now); status {
	case domain.DocumentStatusDraft:
		// No signing tokens exist before Send, so a recipient event against a
		// draft can only be a forged or misrouted delivery.
		return fmt.Errorf("document is %s: %w", status, domain.ErrInvalidTransition)
	case domain.DocumentStatusExpired:
		return fmt.Errorf("document %s: %w", d.ID, domain.ErrDocumentExpired)
	case domain.DocumentStatusCompleted, domain.DocumentStatusDeclined, domain.DocumentStatusVoided:
		return fmt.Errorf("document is %s: %w", status, domain.ErrDocumentNotActionable)
	default:
		return nil
	}
}

func buildRecipients(docID uuid.UUID, recipients []DraftRecipient, now time.Time) []*domain.SignatureRecipient {
	out := make([]*domain.SignatureRecipient, 0, len(recipients))
	for _, dr := range recipients {
		out = append(out, &domain.SignatureRecipient{
			ID:         uuid.New(),
			DocumentID: docID,
			Email:      dr.Email,
			Name:       dr.Name,
			Role:       dr.Role,
			Order:      dr.Order,
			Status:     domain.RecipientStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return out
}

func buildFields(doc *domain.SignatureDocument, fields []DraftField, now time.Time) ([]*domain.SignatureField, error) {
	out := make([]*domain.SignatureField, 0, len(fields))
	for _, df := range fields {
		if df.RecipientIndex < 0 || df.RecipientIndex >= len(doc.Recipients) {
			return nil, fmt.Errorf("field recipient index %d out of range: %w", df.RecipientIndex, domain.ErrConflict)
		}
		out = append(out, &domain.SignatureField{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			RecipientID: doc.Recipients[df.RecipientIndex].ID,
			Type:        df.Type,
			Page:        df.Page,
			X:           df.X,
			Y:           df.Y,
			Width:       df.Width,
			Height:      df.Height,
			Required:    df.Required,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return out, nil
}

func isConflict(err error) bool {
	return errors.Is(err, domain.ErrConflict)
}

func newSigningToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
