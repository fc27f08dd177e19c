package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/signature"
)

// SignatureHeader carries the provider's hex-encoded HMAC-SHA256 over the raw
// request body.
const SignatureHeader = "X-Webhook-Signature"

// Event types in the provider contract. Anything else is acknowledged and
// logged without mutation, for forward compatibility with provider additions.
const (
	EventRecipientSigned   = "recipient_signed"
	EventDocumentCompleted = "document_completed"
	EventDocumentDeclined  = "document_declined"
	EventDocumentViewed    = "document_viewed"
)

// envelope is the outer payload shape. Data is decoded strictly per event
// type after the signature check; payloads that do not match a known variant
// exactly are rejected rather than best-effort parsed.
type envelope struct {
	Event       string          `json:"event"`
	TenantID    uuid.UUID       `json:"tenantId"`
	DocumentID  uuid.UUID       `json:"documentId"`
	RecipientID *uuid.UUID      `json:"recipientId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type signedData struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type declinedData struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type viewedData struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Handler ingests signing-provider webhooks. Verification order is fixed:
// authenticity before parsing, tenant authorization before any state change.
type Handler struct {
	secret   []byte
	testMode bool
	svc      *signature.Service
	audit    *audit.Recorder
}

// NewHandler creates the webhook handler. testMode disables signature
// verification and is only reachable through the explicit config flag.
func NewHandler(secret string, testMode bool, svc *signature.Service, recorder *audit.Recorder) *Handler {
	return &Handler{
		secret:   []byte(secret),
		testMode: testMode,
		svc:      svc,
		audit:    recorder,
	}
}

// ServeHTTP handles POST /webhooks/signing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// Authenticity first: nothing in the body is trusted as JSON until the
	// signature over the raw bytes checks out.
	if !h.verifySignature(r.Header.Get(SignatureHeader), body) {
		h.audit.TryRecord(r.Context(), &domain.AuditEntry{
			ActorType: "webhook",
			Event:     domain.AuditWebhookRejected,
			Resource:  "endpoint",
			IPAddress: remoteIP(r),
			UserAgent: r.UserAgent(),
			Details:   map[string]any{"reason": "invalid signature"},
		})
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON")
		return
	}

	switch env.Event {
	case EventRecipientSigned, EventDocumentCompleted, EventDocumentDeclined, EventDocumentViewed:
		h.process(w, r, &env)
	default:
		// Unknown event types are acknowledged without mutation.
		log.Info().
			Str("event", env.Event).
			Str("document_id", env.DocumentID.String()).
			Msg("webhook: ignoring unknown event type")
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	}
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, env *envelope) {
	ctx := r.Context()

	// Resource authorization: the claimed tenant must own the document, and
	// the named recipient must belong to it. Lookup is unscoped so a
	// cross-tenant claim surfaces as 403 instead of 404.
	doc, err := h.svc.Lookup(ctx, env.DocumentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown document")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if doc.TenantID != env.TenantID {
		h.audit.TryRecord(ctx, &domain.AuditEntry{
			TenantID:   doc.TenantID,
			ActorType:  "webhook",
			Event:      domain.AuditWebhookRejected,
			Resource:   "document",
			ResourceID: doc.ID,
			IPAddress:  remoteIP(r),
			UserAgent:  r.UserAgent(),
			Details:    map[string]any{"reason": "tenant mismatch", "claimed_tenant": env.TenantID.String()},
		})
		writeError(w, http.StatusForbidden, "tenant mismatch")
		return
	}

	var recipientID uuid.UUID
	if env.RecipientID != nil {
		recipientID = *env.RecipientID
		if doc.Recipient(recipientID) == nil {
			writeError(w, http.StatusNotFound, "unknown recipient")
			return
		}
	}

	switch env.Event {
	case EventRecipientSigned:
		h.applySigned(ctx, w, r, env, recipientID)
	case EventDocumentCompleted:
		h.applyCompleted(ctx, w, r, env)
	case EventDocumentDeclined:
		h.applyDeclined(ctx, w, r, env, recipientID)
	case EventDocumentViewed:
		h.applyViewed(ctx, w, r, env, recipientID)
	}
}

func (h *Handler) applySigned(ctx context.Context, w http.ResponseWriter, r *http.Request, env *envelope, recipientID uuid.UUID) {
	if recipientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "recipientId required")
		return
	}

	var data signedData
	if !decodeData(w, env.Data, &data) {
		return
	}

	_, _, err := h.svc.Sign(ctx, env.TenantID, env.DocumentID, recipientID, nil, h.actor(r, data.IPAddress, data.UserAgent))
	if err != nil {
		// Duplicate delivery of an already-applied signature is a no-op.
		if errors.Is(err, domain.ErrAlreadySigned) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "noop"})
			return
		}
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

func (h *Handler) applyCompleted(ctx context.Context, w http.ResponseWriter, r *http.Request, env *envelope) {
	var data signedData
	if !decodeData(w, env.Data, &data) {
		return
	}

	_, completedNow, err := h.svc.ConfirmCompleted(ctx, env.TenantID, env.DocumentID, h.actor(r, data.IPAddress, data.UserAgent))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := "processed"
	if !completedNow {
		status = "noop"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (h *Handler) applyDeclined(ctx context.Context, w http.ResponseWriter, r *http.Request, env *envelope, recipientID uuid.UUID) {
	if recipientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "recipientId required")
		return
	}

	var data declinedData
	if !decodeData(w, env.Data, &data) {
		return
	}

	_, err := h.svc.Decline(ctx, env.TenantID, env.DocumentID, recipientID, data.Reason, h.actor(r, data.IPAddress, data.UserAgent))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

func (h *Handler) applyViewed(ctx context.Context, w http.ResponseWriter, r *http.Request, env *envelope, recipientID uuid.UUID) {
	if recipientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "recipientId required")
		return
	}

	var data viewedData
	if !decodeData(w, env.Data, &data) {
		return
	}

	_, err := h.svc.RecordView(ctx, env.TenantID, env.DocumentID, recipientID, h.actor(r, data.IPAddress, data.UserAgent))
	if err != nil {
		// A late or duplicate view event for a recipient who already signed is
		// normal at-least-once traffic, not an error.
		if errors.Is(err, domain.ErrAlreadySigned) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "noop"})
			return
		}
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

// verifySignature compares the header against a constant-time HMAC-SHA256 of
// the raw body.
func (h *Handler) verifySignature(header string, body []byte) bool {
	if h.testMode {
		return true
	}
	if len(h.secret) == 0 || header == "" {
		return false
	}

	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// actor builds the webhook actor, preferring the original signer's transport
// context from the payload over the webhook caller's.
func (h *Handler) actor(r *http.Request, payloadIP, payloadUA string) signature.Actor {
	ip := payloadIP
	if ip == "" {
		ip = remoteIP(r)
	}
	ua := payloadUA
	if ua == "" {
		ua = r.UserAgent()
	}
	return signature.Actor{
		Type:      "webhook",
		ID:        "webhook",
		IP:        ip,
		UserAgent: ua,
		Geo:       audit.ResolveGeo(r.Header),
	}
}

// writeServiceError maps lifecycle errors to webhook responses. Conflicts
// (out-of-order sign, terminal document) are 409: the event was recognized
// but cannot be applied, and a retry will not help.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown resource")
	case errors.Is(err, domain.ErrSigningOrder),
		errors.Is(err, domain.ErrDocumentNotActionable),
		errors.Is(err, domain.ErrDocumentExpired),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "event conflicts with document state")
	default:
		log.Error().Err(err).Msg("webhook: processing failed")
		writeError(w, http.StatusInternalServerError, "processing failed")
	}
}

// decodeData strictly decodes a per-event data payload; unknown fields are a
// 400, not a best-effort parse. A missing data object is allowed.
func decodeData(w http.ResponseWriter, raw json.RawMessage, dst any) bool {
	if len(raw) == 0 {
		return true
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event data")
		return false
	}
	return true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("webhook: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"status": status, "detail": detail})
}
