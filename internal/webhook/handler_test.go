package webhook_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/signature"
	"github.com/fundroom/fundroom/internal/webhook"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type memDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*domain.SignatureDocument
}

func newMemDocs(docs ...*domain.SignatureDocument) *memDocs {
	m := &memDocs{docs: make(map[uuid.UUID]*domain.SignatureDocument)}
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return m
}

func (m *memDocs) Create(_ context.Context, d *domain.SignatureDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = d
	return nil
}

func (m *memDocs) GetByID(_ context.Context, tenantID, id uuid.UUID) (*domain.SignatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (m *memDocs) GetAny(_ context.Context, id uuid.UUID) (*domain.SignatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d, nil
}

func (m *memDocs) GetByToken(context.Context, string) (*domain.SignatureDocument, error) {
	return nil, domain.ErrNotFound
}

func (m *memDocs) List(context.Context, uuid.UUID, int, int) ([]*domain.SignatureDocument, error) {
	return nil, nil
}

func (m *memDocs) UpdateDraft(context.Context, *domain.SignatureDocument) error { return nil }

func (m *memDocs) Mutate(_ context.Context, tenantID, id uuid.UUID, fn func(*domain.SignatureDocument) error) (*domain.SignatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (m *memDocs) MarkSubscriptionSigned(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) DocumentCompleted(context.Context, *domain.SignatureDocument) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type memAudit struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
}

func (m *memAudit) Record(_ context.Context, e *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) ListByTenant(context.Context, uuid.UUID, time.Time, time.Time, int, int) ([]*domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) ListByResource(context.Context, uuid.UUID, string, uuid.UUID) ([]*domain.AuditEntry, error) {
	return nil, nil
}

func (m *memAudit) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Event)
	}
	return out
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	handler  *webhook.Handler
	repo     *memDocs
	notifier *countingNotifier
	auditLog *memAudit
}

func newHarness(docs ...*domain.SignatureDocument) *harness {
	repo := newMemDocs(docs...)
	notifier := &countingNotifier{}
	auditLog := &memAudit{}
	rec := audit.NewRecorder(auditLog)
	svc := signature.NewService(repo, rec, notifier, 14*24*time.Hour)
	return &harness{
		handler:  webhook.NewHandler(testSecret, false, svc, rec),
		repo:     repo,
		notifier: notifier,
		auditLog: auditLog,
	}
}

func sentDocument(tenantID uuid.UUID) (*domain.SignatureDocument, *domain.SignatureRecipient, *domain.SignatureRecipient) {
	docID := uuid.New()
	first := &domain.SignatureRecipient{
		ID: uuid.New(), DocumentID: docID,
		Email: "investor@example.com", Role: domain.RecipientRoleSigner, Order: 1,
		Status: domain.RecipientStatusPending,
	}
	second := &domain.SignatureRecipient{
		ID: uuid.New(), DocumentID: docID,
		Email: "gp@example.com", Role: domain.RecipientRoleSigner, Order: 2,
		Status: domain.RecipientStatusPending,
	}
	return &domain.SignatureDocument{
		ID:         docID,
		TenantID:   tenantID,
		Title:      "Subscription Agreement",
		Type:       domain.DocumentTypeSubscription,
		Status:     domain.DocumentStatusSent,
		Recipients: []*domain.SignatureRecipient{first, second},
	}, first, second
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *harness) post(t *testing.T, payload map[string]any, sig string) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/signing", bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.1:44321"
	req.Header.Set("User-Agent", "provider-hooks/2.1")
	if sig != "" {
		req.Header.Set(webhook.SignatureHeader, sig)
	}

	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

// postSigned signs the exact bytes that will be sent.
func (h *harness) postSigned(t *testing.T, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return h.post(t, payload, signBody(body))
}

func responseStatus(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Status any `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	s, _ := out.Status.(string)
	return s
}

// ---------------------------------------------------------------------------
// Transport and authenticity
// ---------------------------------------------------------------------------

func TestWebhook_NonPostRejected(t *testing.T) {
	t.Parallel()

	h := newHarness()
	req := httptest.NewRequest(http.MethodGet, "/webhooks/signing", nil)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestWebhook_SignatureVerification(t *testing.T) {
	t.Parallel()

	payload := map[string]any{"event": "recipient_signed", "documentId": uuid.New()}

	t.Run("missing_header", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		rr := h.post(t, payload, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, h.auditLog.events(), domain.AuditWebhookRejected)
	})

	t.Run("wrong_signature", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		rr := h.post(t, payload, signBody([]byte("different body")))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("not_hex", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		rr := h.post(t, payload, "zzzz-not-hex")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("test_mode_skips", func(t *testing.T) {
		t.Parallel()
		repo := newMemDocs()
		rec := audit.NewRecorder(&memAudit{})
		svc := signature.NewService(repo, rec, &countingNotifier{}, time.Hour)
		handler := webhook.NewHandler("", true, svc, rec)

		body, err := json.Marshal(map[string]any{"event": "something_new"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/webhooks/signing", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestWebhook_MalformedJSON(t *testing.T) {
	t.Parallel()

	h := newHarness()
	body := []byte("{not json")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/signing", bytes.NewReader(body))
	req.Header.Set(webhook.SignatureHeader, signBody(body))
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// ---------------------------------------------------------------------------
// Routing and authorization
// ---------------------------------------------------------------------------

func TestWebhook_UnknownEventAccepted(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, _, _ := sentDocument(tenantID)
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":      "provider_new_feature",
		"tenantId":   tenantID,
		"documentId": doc.ID,
	})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ignored", responseStatus(t, rr))
	assert.Equal(t, domain.DocumentStatusSent, doc.Status, "unknown events never mutate")
}

func TestWebhook_UnknownDocument(t *testing.T) {
	t.Parallel()

	h := newHarness()
	rr := h.postSigned(t, map[string]any{
		"event":      "document_completed",
		"tenantId":   uuid.New(),
		"documentId": uuid.New(),
	})

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhook_TenantMismatch(t *testing.T) {
	t.Parallel()

	doc, first, _ := sentDocument(uuid.New())
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":       "recipient_signed",
		"tenantId":    uuid.New(), // some other tenant claims this document
		"documentId":  doc.ID,
		"recipientId": first.ID,
	})

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, domain.RecipientStatusPending, first.Status)
	assert.Contains(t, h.auditLog.events(), domain.AuditWebhookRejected)
}

func TestWebhook_UnknownRecipient(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, _, _ := sentDocument(tenantID)
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":       "recipient_signed",
		"tenantId":    tenantID,
		"documentId":  doc.ID,
		"recipientId": uuid.New(),
	})

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhook_RecipientIDRequired(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, _, _ := sentDocument(tenantID)
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":      "recipient_signed",
		"tenantId":   tenantID,
		"documentId": doc.ID,
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWebhook_StrictEventData(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, first, _ := sentDocument(tenantID)
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":       "recipient_signed",
		"tenantId":    tenantID,
		"documentId":  doc.ID,
		"recipientId": first.ID,
		"data":        map[string]any{"ipAddress": "1.2.3.4", "surprise": true},
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.RecipientStatusPending, first.Status)
}

// ---------------------------------------------------------------------------
// Event application
// ---------------------------------------------------------------------------

func TestWebhook_RecipientSignedFlow(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, first, second := sentDocument(tenantID)
	h := newHarness(doc)

	signedEvent := func(recID uuid.UUID) map[string]any {
		return map[string]any{
			"event":       "recipient_signed",
			"tenantId":    tenantID,
			"documentId":  doc.ID,
			"recipientId": recID,
			"data":        map[string]any{"ipAddress": "203.0.113.50", "userAgent": "Mobile Safari"},
		}
	}

	// Out of order first.
	rr := h.postSigned(t, signedEvent(second.ID))
	assert.Equal(t, http.StatusConflict, rr.Code)

	// First signer.
	rr = h.postSigned(t, signedEvent(first.ID))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "processed", responseStatus(t, rr))
	assert.Equal(t, domain.DocumentStatusPartiallySigned, doc.Status)
	assert.Equal(t, "203.0.113.50", first.IPAddress, "payload context wins over transport")
	assert.Equal(t, "Mobile Safari", first.UserAgent)
	assert.Equal(t, 0, h.notifier.count())

	// Duplicate delivery of the same signature is acknowledged, not replayed.
	rr = h.postSigned(t, signedEvent(first.ID))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "noop", responseStatus(t, rr))

	// Second signer completes; exactly one fan-out.
	rr = h.postSigned(t, signedEvent(second.ID))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.DocumentStatusCompleted, doc.Status)
	assert.Equal(t, 1, h.notifier.count())
}

func TestWebhook_DocumentCompleted(t *testing.T) {
	t.Parallel()

	t.Run("pending_signers_conflict", func(t *testing.T) {
		t.Parallel()

		tenantID := uuid.New()
		doc, _, _ := sentDocument(tenantID)
		h := newHarness(doc)

		rr := h.postSigned(t, map[string]any{
			"event":      "document_completed",
			"tenantId":   tenantID,
			"documentId": doc.ID,
		})

		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, domain.DocumentStatusSent, doc.Status)
	})

	t.Run("redelivery_after_completion_noop", func(t *testing.T) {
		t.Parallel()

		tenantID := uuid.New()
		doc, first, second := sentDocument(tenantID)
		first.Status = domain.RecipientStatusSigned
		second.Status = domain.RecipientStatusSigned
		doc.Status = domain.DocumentStatusCompleted
		h := newHarness(doc)

		rr := h.postSigned(t, map[string]any{
			"event":      "document_completed",
			"tenantId":   tenantID,
			"documentId": doc.ID,
		})

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "noop", responseStatus(t, rr))
		assert.Equal(t, 0, h.notifier.count(), "redelivery must not re-trigger fan-out")
	})
}

func TestWebhook_DocumentDeclined(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, first, _ := sentDocument(tenantID)
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":       "document_declined",
		"tenantId":    tenantID,
		"documentId":  doc.ID,
		"recipientId": first.ID,
		"data":        map[string]any{"reason": "terms unacceptable"},
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.DocumentStatusDeclined, doc.Status)
	assert.Equal(t, "terms unacceptable", first.DeclinedReason)
}

func TestWebhook_DocumentViewed(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, first, _ := sentDocument(tenantID)
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":       "document_viewed",
		"tenantId":    tenantID,
		"documentId":  doc.ID,
		"recipientId": first.ID,
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, domain.DocumentStatusViewed, doc.Status)
	assert.Equal(t, domain.RecipientStatusViewed, first.Status)
	// No payload context supplied: transport address is the fallback.
	assert.Equal(t, "198.51.100.1", first.IPAddress)
}

func TestWebhook_RecipientEventOnDraftRejected(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, first, _ := sentDocument(tenantID)
	doc.Status = domain.DocumentStatusDraft
	h := newHarness(doc)

	// No signing tokens exist before Send, so the provider cannot legitimately
	// report activity on a draft. Accepting it would mark the recipient SIGNED
	// under a document still editable by its creator.
	for _, event := range []string{"recipient_signed", "document_viewed"} {
		rr := h.postSigned(t, map[string]any{
			"event":       event,
			"tenantId":    tenantID,
			"documentId":  doc.ID,
			"recipientId": first.ID,
		})
		assert.Equalf(t, http.StatusConflict, rr.Code, "event %s", event)
	}

	assert.Equal(t, domain.DocumentStatusDraft, doc.Status)
	assert.Equal(t, domain.RecipientStatusPending, first.Status)
}

func TestWebhook_ViewAfterSignedNoop(t *testing.T) {
	t.Parallel()

	tenantID := uuid.New()
	doc, first, _ := sentDocument(tenantID)
	h := newHarness(doc)

	rr := h.postSigned(t, map[string]any{
		"event":       "recipient_signed",
		"tenantId":    tenantID,
		"documentId":  doc.ID,
		"recipientId": first.ID,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, domain.RecipientStatusSigned, first.Status)

	// The provider delivers view events out of order relative to sign events;
	// a view arriving after the signature is acknowledged, never an error.
	rr = h.postSigned(t, map[string]any{
		"event":       "document_viewed",
		"tenantId":    tenantID,
		"documentId":  doc.ID,
		"recipientId": first.ID,
	})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "noop", responseStatus(t, rr))
	assert.Equal(t, domain.RecipientStatusSigned, first.Status)
	assert.Equal(t, domain.DocumentStatusPartiallySigned, doc.Status)
}
