package domain

import (
	"time"

	"github.com/google/uuid"
)

type FieldType string

const (
	FieldTypeSignature FieldType = "signature"
	FieldTypeInitials  FieldType = "initials"
	FieldTypeDate      FieldType = "date"
	FieldTypeText      FieldType = "text"
	FieldTypeCheckbox  FieldType = "checkbox"
	FieldTypeName      FieldType = "name"
	FieldTypeEmail     FieldType = "email"
)

// SignatureField is a placed form field on a document page. Values are written
// exactly once, at the moment the assigned recipient signs.
type SignatureField struct {
	ID          uuid.UUID `json:"id"`
	DocumentID  uuid.UUID `json:"document_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Type        FieldType `json:"type"`
	Page        int       `json:"page"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Required    bool      `json:"required"`
	Value       string    `json:"value,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
