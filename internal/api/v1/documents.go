package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/server/middleware"
	"github.com/fundroom/fundroom/internal/signature"
)

// RecipientInput describes one party when drafting or editing a document.
type RecipientInput struct {
	Email string `json:"email" minLength:"3" maxLength:"255" doc:"Recipient email"`
	Name  string `json:"name" minLength:"1" maxLength:"255" doc:"Recipient name"`
	Role  string `json:"role" enum:"signer,viewer,approver,cc" doc:"Recipient role"`
	Order int    `json:"order" minimum:"0" doc:"Sequential signing order"`
}

// FieldInput describes one placed form field, bound to a recipient by index.
type FieldInput struct {
	RecipientIndex int     `json:"recipient_index" minimum:"0" doc:"Index into recipients"`
	Type           string  `json:"type" enum:"signature,initials,date,text,checkbox,name,email" doc:"Field type"`
	Page           int     `json:"page" minimum:"1" doc:"Page number"`
	X              float64 `json:"x" doc:"X position"`
	Y              float64 `json:"y" doc:"Y position"`
	Width          float64 `json:"width" doc:"Field width"`
	Height         float64 `json:"height" doc:"Field height"`
	Required       bool    `json:"required,omitempty" doc:"Whether a value is required to sign"`
}

type CreateDocumentInput struct {
	Body struct {
		Title          string           `json:"title" minLength:"1" maxLength:"500" doc:"Document title"`
		Type           string           `json:"type" enum:"generic,subscription,nda,side_letter" doc:"Document type"`
		SubscriptionID *uuid.UUID       `json:"subscription_id,omitempty" doc:"Linked subscription record"`
		ExpirationDate *time.Time       `json:"expiration_date,omitempty" doc:"Optional expiration"`
		Recipients     []RecipientInput `json:"recipients,omitempty" doc:"Document parties"`
		Fields         []FieldInput     `json:"fields,omitempty" doc:"Placed form fields"`
	}
}

type CreateDocumentOutput struct {
	Body *domain.SignatureDocument
}

type ListDocumentsInput struct {
	Limit  int `query:"limit" minimum:"1" maximum:"200" default:"50" doc:"Max results"`
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Offset for pagination"`
}

type ListDocumentsOutput struct {
	Body []*domain.SignatureDocument
}

type GetDocumentInput struct {
	ID uuid.UUID `path:"id" doc:"Document ID"`
}

type GetDocumentOutput struct {
	Body *domain.SignatureDocument
}

type UpdateDocumentInput struct {
	ID   uuid.UUID `path:"id" doc:"Document ID"`
	Body struct {
		Title          string           `json:"title,omitempty" maxLength:"500" doc:"Document title"`
		ExpirationDate *time.Time       `json:"expiration_date,omitempty" doc:"Expiration"`
		Recipients     []RecipientInput `json:"recipients,omitempty" doc:"Replacement parties; omitting keeps the current ones"`
		Fields         []FieldInput     `json:"fields,omitempty" doc:"Replacement fields; omitting keeps the current ones unless recipients are replaced"`
	}
}

type UpdateDocumentOutput struct {
	Body *domain.SignatureDocument
}

type SendDocumentInput struct {
	ID uuid.UUID `path:"id" doc:"Document ID"`
}

type SendDocumentOutput struct {
	Body *domain.SignatureDocument
}

type VoidDocumentInput struct {
	ID   uuid.UUID `path:"id" doc:"Document ID"`
	Body struct {
		Reason string `json:"reason" minLength:"1" maxLength:"1000" doc:"Void reason"`
	}
}

type VoidDocumentOutput struct {
	Body *domain.SignatureDocument
}

func RegisterDocumentRoutes(api huma.API, store DataStore, svc SignatureService) {
	huma.Register(api, huma.Operation{
		OperationID: "create-document",
		Method:      http.MethodPost,
		Path:        "/documents",
		Summary:     "Create a draft signature document",
		Tags:        []string{"Documents"},
	}, func(ctx context.Context, input *CreateDocumentInput) (*CreateDocumentOutput, error) {
		tenantID, userID, err := requireIdentity(ctx)
		if err != nil {
			return nil, err
		}

		doc, err := svc.CreateDraft(ctx, tenantID, userID, input.Body.Title, domain.DocumentType(input.Body.Type), input.Body.SubscriptionID, input.Body.ExpirationDate, draftRecipients(input.Body.Recipients), draftFields(input.Body.Fields))
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error400BadRequest("field references an unknown recipient")
			}
			return nil, huma.Error500InternalServerError("failed to create document", err)
		}

		return &CreateDocumentOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List signature documents",
		Tags:        []string{"Documents"},
	}, func(ctx context.Context, input *ListDocumentsInput) (*ListDocumentsOutput, error) {
		tenantID, ok := middleware.TenantIDFromContext(ctx)
		if !ok {
			return nil, huma.Error403Forbidden("missing tenant context")
		}

		docs, err := store.Documents().List(ctx, tenantID, input.Limit, input.Offset)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list documents", err)
		}

		now := time.Now()
		for _, d := range docs {
			d.Status = d.EffectiveStatus(now)
		}

		return &ListDocumentsOutput{Body: docs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get a signature document by ID",
		Tags:        []string{"Documents"},
	}, func(ctx context.Context, input *GetDocumentInput) (*GetDocumentOutput, error) {
		tenantID, ok := middleware.TenantIDFromContext(ctx)
		if !ok {
			return nil, huma.Error403Forbidden("missing tenant context")
		}

		doc, err := store.Documents().GetByID(ctx, tenantID, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("document not found")
			}
			return nil, huma.Error500InternalServerError("failed to get document", err)
		}

		doc.Status = doc.EffectiveStatus(time.Now())

		return &GetDocumentOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-document",
		Method:      http.MethodPut,
		Path:        "/documents/{id}",
		Summary:     "Update a draft document",
		Tags:        []string{"Documents"},
	}, func(ctx context.Context, input *UpdateDocumentInput) (*UpdateDocumentOutput, error) {
		tenantID, userID, err := requireIdentity(ctx)
		if err != nil {
			return nil, err
		}

		doc, err := svc.UpdateDraft(ctx, tenantID, input.ID, userID, input.Body.Title, input.Body.ExpirationDate, draftRecipients(input.Body.Recipients), draftFields(input.Body.Fields))
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error400BadRequest("field references an unknown recipient")
			}
			return nil, lifecycleError(err, "failed to update document")
		}

		return &UpdateDocumentOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/send",
		Summary:     "Send a draft document for signing",
		Tags:        []string{"Documents"},
	}, func(ctx context.Context, input *SendDocumentInput) (*SendDocumentOutput, error) {
		tenantID, userID, err := requireIdentity(ctx)
		if err != nil {
			return nil, err
		}

		doc, err := svc.Send(ctx, tenantID, input.ID, userActor(ctx, userID))
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error409Conflict("document needs at least one signer or approver")
			}
			return nil, lifecycleError(err, "failed to send document")
		}

		return &SendDocumentOutput{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "void-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/void",
		Summary:     "Void a document",
		Tags:        []string{"Documents"},
	}, func(ctx context.Context, input *VoidDocumentInput) (*VoidDocumentOutput, error) {
		tenantID, userID, err := requireIdentity(ctx)
		if err != nil {
			return nil, err
		}

		doc, err := svc.Void(ctx, tenantID, input.ID, input.Body.Reason, userActor(ctx, userID))
		if err != nil {
			return nil, lifecycleError(err, "failed to void document")
		}

		return &VoidDocumentOutput{Body: doc}, nil
	})
}

// draftRecipients keeps nil nil so the service can tell "replace with none"
// apart from "leave unchanged".
func draftRecipients(in []RecipientInput) []signature.DraftRecipient {
	if in == nil {
		return nil
	}
	out := make([]signature.DraftRecipient, 0, len(in))
	for _, r := range in {
		out = append(out, signature.DraftRecipient{
			Email: r.Email,
			Name:  r.Name,
			Role:  domain.RecipientRole(r.Role),
			Order: r.Order,
		})
	}
	return out
}

func draftFields(in []FieldInput) []signature.DraftField {
	if in == nil {
		return nil
	}
	out := make([]signature.DraftField, 0, len(in))
	for _, f := range in {
		out = append(out, signature.DraftField{
			RecipientIndex: f.RecipientIndex,
			Type:           domain.FieldType(f.Type),
			Page:           f.Page,
			X:              f.X,
			Y:              f.Y,
			Width:          f.Width,
			Height:         f.Height,
			Required:       f.Required,
		})
	}
	return out
}

func requireIdentity(ctx context.Context) (tenantID, userID uuid.UUID, err error) {
	tenantID, ok := middleware.TenantIDFromContext(ctx)
	if !ok {
		return uuid.Nil, uuid.Nil, huma.Error403Forbidden("missing tenant context")
	}
	userID, ok = middleware.UserIDFromContext(ctx)
	if !ok {
		return uuid.Nil, uuid.Nil, huma.Error401Unauthorized("missing user context")
	}
	return tenantID, userID, nil
}

func userActor(ctx context.Context, userID uuid.UUID) signature.Actor {
	info := middleware.ClientInfoFromContext(ctx)
	return signature.Actor{
		Type:      "user",
		ID:        userID.String(),
		IP:        info.IP,
		UserAgent: info.UserAgent,
		Geo:       info.Geo,
	}
}

// lifecycleError translates the domain's reason-coded sentinels into HTTP
// problem responses. Expired documents and links answer 410 so clients can
// tell a dead link from a wrong one.
func lifecycleError(err error, fallback string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound("not found")
	case errors.Is(err, domain.ErrForbidden):
		return huma.Error403Forbidden("not allowed")
	case errors.Is(err, domain.ErrTokenExpired):
		return huma.Error410Gone("signing link expired")
	case errors.Is(err, domain.ErrDocumentExpired):
		return huma.Error410Gone("document expired")
	case errors.Is(err, domain.ErrAlreadySigned):
		return huma.Error409Conflict("recipient already signed")
	case errors.Is(err, domain.ErrSigningOrder):
		return huma.Error409Conflict("earlier recipients must sign first")
	case errors.Is(err, domain.ErrDocumentNotActionable):
		return huma.Error409Conflict("document is no longer actionable")
	case errors.Is(err, domain.ErrInvalidTransition):
		return huma.Error409Conflict("invalid status transition")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict("conflict")
	default:
		return huma.Error500InternalServerError(fallback, err)
	}
}
