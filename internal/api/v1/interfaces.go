package v1

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/signature"
)

// DataStore abstracts the repository accessor pattern for handler testing.
// *postgres.Store satisfies this interface.
type DataStore interface {
	Tenants() domain.TenantRepository
	Users() domain.UserRepository
	Documents() domain.DocumentRepository
	Audit() domain.AuditRepository
}

// AuthService abstracts authentication operations for handler testing.
// *auth.Service satisfies this interface.
type AuthService interface {
	Register(ctx context.Context, tenantID uuid.UUID, email, password, name string) (*domain.User, error)
	Login(ctx context.Context, tenantID uuid.UUID, email, password string) (accessToken, refreshToken string, err error)
	RefreshToken(ctx context.Context, refreshToken string) (string, error)
}

// SignatureService abstracts the document lifecycle operations for handler
// testing. *signature.Service satisfies this interface.
type SignatureService interface {
	CreateDraft(ctx context.Context, tenantID, createdBy uuid.UUID, title string, docType domain.DocumentType, subscriptionID *uuid.UUID, expires *time.Time, recipients []signature.DraftRecipient, fields []signature.DraftField) (*domain.SignatureDocument, error)
	UpdateDraft(ctx context.Context, tenantID, docID, userID uuid.UUID, title string, expires *time.Time, recipients []signature.DraftRecipient, fields []signature.DraftField) (*domain.SignatureDocument, error)
	Send(ctx context.Context, tenantID, docID uuid.UUID, actor signature.Actor) (*domain.SignatureDocument, error)
	Void(ctx context.Context, tenantID, docID uuid.UUID, reason string, actor signature.Actor) (*domain.SignatureDocument, error)
	GetByToken(ctx context.Context, token string) (*domain.SignatureDocument, *domain.SignatureRecipient, error)
	RecordView(ctx context.Context, tenantID, docID, recipientID uuid.UUID, actor signature.Actor) (*domain.SignatureDocument, error)
	Sign(ctx context.Context, tenantID, docID, recipientID uuid.UUID, values map[uuid.UUID]string, actor signature.Actor) (*domain.SignatureDocument, bool, error)
	Decline(ctx context.Context, tenantID, docID, recipientID uuid.UUID, reason string, actor signature.Actor) (*domain.SignatureDocument, error)
}

// AuditExporter abstracts compliance export for handler testing.
// *audit.Exporter satisfies this interface.
type AuditExporter interface {
	Export(ctx context.Context, tenantID uuid.UUID, opts audit.ExportOptions) (*audit.ExportResult, error)
}
