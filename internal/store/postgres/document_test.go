package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/store/postgres"
)

// testStore connects to the database named by FUNDROOM_TEST_DATABASE_DSN, or
// skips. These tests need a migrated schema and run against real SQL.
func testStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("FUNDROOM_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("FUNDROOM_TEST_DATABASE_DSN not set")
	}

	store, err := postgres.New(context.Background(), dsn, 4)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func draftDocument(tenantID uuid.UUID) *domain.SignatureDocument {
	now := time.Now().UTC().Truncate(time.Microsecond)
	docID := uuid.New()
	rec := &domain.SignatureRecipient{
		ID: uuid.New(), DocumentID: docID,
		Email: "original@lp.example", Name: "Original Signer",
		Role: domain.RecipientRoleSigner, Order: 1,
		Status:    domain.RecipientStatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	field := &domain.SignatureField{
		ID: uuid.New(), DocumentID: docID, RecipientID: rec.ID,
		Type: domain.FieldTypeSignature, Page: 1, X: 10, Y: 10, Width: 120, Height: 30,
		Required:  true,
		CreatedAt: now, UpdatedAt: now,
	}
	return &domain.SignatureDocument{
		ID:         docID,
		TenantID:   tenantID,
		CreatedBy:  uuid.New(),
		Title:      "Subscription Agreement",
		Type:       domain.DocumentTypeSubscription,
		Status:     domain.DocumentStatusDraft,
		Recipients: []*domain.SignatureRecipient{rec},
		Fields:     []*domain.SignatureField{field},
		CreatedAt:  now, UpdatedAt: now,
	}
}

func TestDocumentRepo_UpdateDraftReplacesParties(t *testing.T) {
	store := testStore(t)
	repo := store.Documents()
	ctx := context.Background()

	tenantID := uuid.New()
	doc := draftDocument(tenantID)
	require.NoError(t, repo.Create(ctx, doc))

	// Replace the single original signer with a two-party set and a fresh
	// field. The replacement has to survive a cold read back from the rows,
	// not just the in-memory copy the service returned.
	now := time.Now().UTC().Truncate(time.Microsecond)
	signer := &domain.SignatureRecipient{
		ID: uuid.New(), DocumentID: doc.ID,
		Email: "replacement@lp.example", Name: "Replacement Signer",
		Role: domain.RecipientRoleSigner, Order: 1,
		Status:    domain.RecipientStatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	approver := &domain.SignatureRecipient{
		ID: uuid.New(), DocumentID: doc.ID,
		Email: "approver@fund.example", Name: "Final Approver",
		Role: domain.RecipientRoleApprover, Order: 2,
		Status:    domain.RecipientStatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	doc.Title = "Subscription Agreement v2"
	doc.Recipients = []*domain.SignatureRecipient{signer, approver}
	doc.Fields = []*domain.SignatureField{{
		ID: uuid.New(), DocumentID: doc.ID, RecipientID: approver.ID,
		Type: domain.FieldTypeInitials, Page: 2, X: 20, Y: 20, Width: 60, Height: 20,
		Required:  true,
		CreatedAt: now, UpdatedAt: now,
	}}
	doc.UpdatedAt = now
	require.NoError(t, repo.UpdateDraft(ctx, doc))

	stored, err := repo.GetByID(ctx, tenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Subscription Agreement v2", stored.Title)
	require.Len(t, stored.Recipients, 2)
	assert.Equal(t, "replacement@lp.example", stored.Recipients[0].Email)
	assert.Equal(t, "approver@fund.example", stored.Recipients[1].Email)
	require.Len(t, stored.Fields, 1)
	assert.Equal(t, approver.ID, stored.Fields[0].RecipientID)
	assert.Equal(t, domain.FieldTypeInitials, stored.Fields[0].Type)
}

func TestDocumentRepo_UpdateDraftOnlyTouchesDrafts(t *testing.T) {
	store := testStore(t)
	repo := store.Documents()
	ctx := context.Background()

	tenantID := uuid.New()
	doc := draftDocument(tenantID)
	doc.Status = domain.DocumentStatusSent
	require.NoError(t, repo.Create(ctx, doc))

	doc.Title = "tampered"
	err := repo.UpdateDraft(ctx, doc)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stored, err := repo.GetByID(ctx, tenantID, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Subscription Agreement", stored.Title)
	require.Len(t, stored.Recipients, 1, "a refused draft update must leave recipients alone")
}
