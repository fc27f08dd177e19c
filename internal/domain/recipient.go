package domain

import (
	"time"

	"github.com/google/uuid"
)

type RecipientRole string

const (
	RecipientRoleSigner   RecipientRole = "signer"
	RecipientRoleViewer   RecipientRole = "viewer"
	RecipientRoleApprover RecipientRole = "approver"
	RecipientRoleCC       RecipientRole = "cc"
)

// MustSign reports whether the role counts toward document completion.
func (r RecipientRole) MustSign() bool {
	return r == RecipientRoleSigner || r == RecipientRoleApprover
}

type RecipientStatus string

const (
	RecipientStatusPending  RecipientStatus = "pending"
	RecipientStatusViewed   RecipientStatus = "viewed"
	RecipientStatusSigned   RecipientStatus = "signed"
	RecipientStatusDeclined RecipientStatus = "declined"
)

// ValidTransition checks a recipient status change. Allowed:
// pending->viewed, pending->signed, pending->declined, viewed->signed,
// viewed->declined. Signed and declined are terminal; nothing moves backward.
func (s RecipientStatus) ValidTransition(to RecipientStatus) bool {
	switch s {
	case RecipientStatusPending:
		return to == RecipientStatusViewed || to == RecipientStatusSigned || to == RecipientStatusDeclined
	case RecipientStatusViewed:
		return to == RecipientStatusSigned || to == RecipientStatusDeclined
	default:
		return false
	}
}

// SignatureRecipient is one party on a document. The signing token is a bearer
// credential and never leaves the server in API responses.
type SignatureRecipient struct {
	ID             uuid.UUID       `json:"id"`
	DocumentID     uuid.UUID       `json:"document_id"`
	Email          string          `json:"email"`
	Name           string          `json:"name"`
	Role           RecipientRole   `json:"role"`
	Order          int             `json:"order"`
	Status         RecipientStatus `json:"status"`
	SigningToken   string          `json:"-"`
	TokenExpiresAt *time.Time      `json:"-"`
	ViewedAt       *time.Time      `json:"viewed_at,omitempty"`
	SignedAt       *time.Time      `json:"signed_at,omitempty"`
	DeclinedAt     *time.Time      `json:"declined_at,omitempty"`
	DeclinedReason string          `json:"declined_reason,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
