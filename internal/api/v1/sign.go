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

// SigningDocument is the redacted document view shown to a signing-link
// holder: no other recipients, no trail, no linkage to internal records.
type SigningDocument struct {
	ID             uuid.UUID             `json:"id"`
	Title          string                `json:"title"`
	Type           domain.DocumentType   `json:"type"`
	Status         domain.DocumentStatus `json:"status"`
	ExpirationDate *time.Time            `json:"expiration_date,omitempty"`
}

type GetSigningSessionInput struct {
	Token string `path:"token" minLength:"1" doc:"Signing token"`
}

type GetSigningSessionOutput struct {
	Body struct {
		Document  SigningDocument            `json:"document"`
		Recipient *domain.SignatureRecipient `json:"recipient"`
		Fields    []*domain.SignatureField   `json:"fields"`
	}
}

type SubmitSignatureInput struct {
	Token string `path:"token" minLength:"1" doc:"Signing token"`
	Body  struct {
		Values map[string]string `json:"values,omitempty" doc:"Field values keyed by field ID"`
	}
}

type SubmitSignatureOutput struct {
	Body struct {
		Document  SigningDocument `json:"document"`
		Completed bool            `json:"completed"`
	}
}

type DeclineSignatureInput struct {
	Token string `path:"token" minLength:"1" doc:"Signing token"`
	Body  struct {
		Reason string `json:"reason,omitempty" maxLength:"1000" doc:"Optional decline reason"`
	}
}

type DeclineSignatureOutput struct {
	Body struct {
		Document SigningDocument `json:"document"`
	}
}

func RegisterSigningRoutes(api huma.API, svc SignatureService) {
	huma.Register(api, huma.Operation{
		OperationID: "get-signing-session",
		Method:      http.MethodGet,
		Path:        "/sign/{token}",
		Summary:     "Open a signing link",
		Tags:        []string{"Signing"},
	}, func(ctx context.Context, input *GetSigningSessionInput) (*GetSigningSessionOutput, error) {
		doc, rec, err := svc.GetByToken(ctx, input.Token)
		if err != nil {
			return nil, lifecycleError(err, "failed to resolve signing link")
		}

		// Opening the link is a view event. A recipient who already acted, or
		// a document in a terminal state, still gets to see the outcome; an
		// expired or unusable link is refused outright.
		viewed, err := svc.RecordView(ctx, doc.TenantID, doc.ID, rec.ID, recipientActor(ctx, rec))
		switch {
		case err == nil:
			doc = viewed
			rec = doc.Recipient(rec.ID)
		case errors.Is(err, domain.ErrAlreadySigned),
			errors.Is(err, domain.ErrDocumentNotActionable):
			// read-only session, nothing recorded
		default:
			return nil, lifecycleError(err, "failed to record view")
		}

		out := &GetSigningSessionOutput{}
		out.Body.Document = signingView(doc)
		out.Body.Recipient = rec
		out.Body.Fields = recipientFields(doc, rec.ID)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-signature",
		Method:      http.MethodPost,
		Path:        "/sign/{token}",
		Summary:     "Sign via a signing link",
		Tags:        []string{"Signing"},
	}, func(ctx context.Context, input *SubmitSignatureInput) (*SubmitSignatureOutput, error) {
		doc, rec, err := svc.GetByToken(ctx, input.Token)
		if err != nil {
			return nil, lifecycleError(err, "failed to resolve signing link")
		}

		values := make(map[uuid.UUID]string, len(input.Body.Values))
		for k, v := range input.Body.Values {
			fieldID, parseErr := uuid.Parse(k)
			if parseErr != nil {
				return nil, huma.Error400BadRequest("invalid field id: " + k)
			}
			values[fieldID] = v
		}

		doc, completed, err := svc.Sign(ctx, doc.TenantID, doc.ID, rec.ID, values, recipientActor(ctx, rec))
		if err != nil {
			return nil, lifecycleError(err, "failed to sign")
		}

		out := &SubmitSignatureOutput{}
		out.Body.Document = signingView(doc)
		out.Body.Completed = completed
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-signature",
		Method:      http.MethodPost,
		Path:        "/sign/{token}/decline",
		Summary:     "Decline via a signing link",
		Tags:        []string{"Signing"},
	}, func(ctx context.Context, input *DeclineSignatureInput) (*DeclineSignatureOutput, error) {
		doc, rec, err := svc.GetByToken(ctx, input.Token)
		if err != nil {
			return nil, lifecycleError(err, "failed to resolve signing link")
		}

		doc, err = svc.Decline(ctx, doc.TenantID, doc.ID, rec.ID, input.Body.Reason, recipientActor(ctx, rec))
		if err != nil {
			return nil, lifecycleError(err, "failed to decline")
		}

		out := &DeclineSignatureOutput{}
		out.Body.Document = signingView(doc)
		return out, nil
	})
}

func signingView(doc *domain.SignatureDocument) SigningDocument {
	return SigningDocument{
		ID:             doc.ID,
		Title:          doc.Title,
		Type:           doc.Type,
		Status:         doc.EffectiveStatus(time.Now()),
		ExpirationDate: doc.ExpirationDate,
	}
}

func recipientFields(doc *domain.SignatureDocument, recipientID uuid.UUID) []*domain.SignatureField {
	fields := make([]*domain.SignatureField, 0, len(doc.Fields))
	for _, f := range doc.Fields {
		if f.RecipientID == recipientID {
			fields = append(fields, f)
		}
	}
	return fields
}

func recipientActor(ctx context.Context, rec *domain.SignatureRecipient) signature.Actor {
	info := middleware.ClientInfoFromContext(ctx)
	return signature.Actor{
		Type:      "recipient",
		ID:        rec.ID.String(),
		IP:        info.IP,
		UserAgent: info.UserAgent,
		Geo:       info.Geo,
	}
}
