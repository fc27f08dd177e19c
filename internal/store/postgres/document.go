package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fundroom/fundroom/internal/domain"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx, so document
// loading works both standalone and inside Mutate's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DocumentRepo struct {
	pool *pgxpool.Pool
}

func NewDocumentRepo(pool *pgxpool.Pool) *DocumentRepo {
	return &DocumentRepo{pool: pool}
}

const documentColumns = `id, tenant_id, subscription_id, created_by, title, type, status,
	        expiration_date, audit_trail, created_at, updated_at,
	        sent_at, completed_at, declined_at, voided_at, void_reason`

const recipientColumns = `id, document_id, email, name, role, signing_order, status,
	        signing_token, token_expires_at, viewed_at, signed_at, declined_at,
	        declined_reason, ip_address, user_agent, created_at, updated_at`

const fieldColumns = `id, document_id, recipient_id, type, page, x, y, width, height,
	        required, value, created_at, updated_at`

func (r *DocumentRepo) Create(ctx context.Context, d *domain.SignatureDocument) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("documentRepo.Create: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	trail, err := json.Marshal(d.AuditTrail)
	if err != nil {
		return fmt.Errorf("documentRepo.Create: marshal trail: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO signature_documents
		 (id, tenant_id, subscription_id, created_by, title, type, status,
		  expiration_date, audit_trail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.TenantID, d.SubscriptionID, d.CreatedBy, d.Title, d.Type, d.Status,
		d.ExpirationDate, trail, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("documentRepo.Create: document: %w", err)
	}

	for _, rec := range d.Recipients {
		if err := insertRecipient(ctx, tx, rec); err != nil {
			return fmt.Errorf("documentRepo.Create: %w", err)
		}
	}
	for _, f := range d.Fields {
		if err := insertField(ctx, tx, f); err != nil {
			return fmt.Errorf("documentRepo.Create: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("documentRepo.Create: commit: %w", err)
	}
	return nil
}

func (r *DocumentRepo) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.SignatureDocument, error) {
	d, err := loadDocument(ctx, r.pool, `tenant_id = $1 AND id = $2`, false, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.GetByID: %w", err)
	}
	return d, nil
}

func (r *DocumentRepo) GetAny(ctx context.Context, id uuid.UUID) (*domain.SignatureDocument, error) {
	d, err := loadDocument(ctx, r.pool, `id = $1`, false, id)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.GetAny: %w", err)
	}
	return d, nil
}

func (r *DocumentRepo) GetByToken(ctx context.Context, token string) (*domain.SignatureDocument, error) {
	var docID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT document_id FROM signature_recipients WHERE signing_token = $1`,
		token,
	).Scan(&docID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("documentRepo.GetByToken: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("documentRepo.GetByToken: %w", err)
	}

	d, err := loadDocument(ctx, r.pool, `id = $1`, false, docID)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.GetByToken: %w", err)
	}
	return d, nil
}

func (r *DocumentRepo) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*domain.SignatureDocument, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+documentColumns+`
		 FROM signature_documents WHERE tenant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.List: %w", err)
	}
	defer rows.Close()

	var docs []*domain.SignatureDocument
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		d, scanErr := scanDocument(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("documentRepo.List: %w", scanErr)
		}
		docs = append(docs, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("documentRepo.List: rows: %w", err)
	}
	if len(docs) == 0 {
		return docs, nil
	}

	recs, err := loadRecipientsFor(ctx, r.pool, ids)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.List: %w", err)
	}
	byDoc := make(map[uuid.UUID][]*domain.SignatureRecipient, len(docs))
	for _, rec := range recs {
		byDoc[rec.DocumentID] = append(byDoc[rec.DocumentID], rec)
	}
	for _, d := range docs {
		d.Recipients = byDoc[d.ID]
	}
	return docs, nil
}

// UpdateDraft persists the full draft state. Recipients and fields are
// replaced wholesale (the service rebuilds them on every edit), so the old
// rows are deleted and the current set reinserted in the same transaction as
// the document row update.
func (r *DocumentRepo) UpdateDraft(ctx context.Context, d *domain.SignatureDocument) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("documentRepo.UpdateDraft: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`UPDATE signature_documents
		 SET title = $1, expiration_date = $2, updated_at = $3
		 WHERE tenant_id = $4 AND id = $5 AND status = 'draft'`,
		d.Title, d.ExpirationDate, d.UpdatedAt, d.TenantID, d.ID,
	)
	if err != nil {
		return fmt.Errorf("documentRepo.UpdateDraft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("documentRepo.UpdateDraft: %w", domain.ErrNotFound)
	}

	// Fields reference recipients, so they go first.
	if _, err := tx.Exec(ctx,
		`DELETE FROM signature_fields WHERE document_id = $1`, d.ID,
	); err != nil {
		return fmt.Errorf("documentRepo.UpdateDraft: clear fields: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM signature_recipients WHERE document_id = $1`, d.ID,
	); err != nil {
		return fmt.Errorf("documentRepo.UpdateDraft: clear recipients: %w", err)
	}

	for _, rec := range d.Recipients {
		if err := insertRecipient(ctx, tx, rec); err != nil {
			return fmt.Errorf("documentRepo.UpdateDraft: %w", err)
		}
	}
	for _, f := range d.Fields {
		if err := insertField(ctx, tx, f); err != nil {
			return fmt.Errorf("documentRepo.UpdateDraft: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("documentRepo.UpdateDraft: commit: %w", err)
	}
	return nil
}

// Mutate loads the document FOR UPDATE, applies fn, and persists the document
// row, every recipient and field, and the grown trail in one transaction. The
// row lock serializes concurrent lifecycle events on the same document, which
// is what keeps the embedded trail append-only without lost entries.
func (r *DocumentRepo) Mutate(ctx context.Context, tenantID, id uuid.UUID, fn func(d *domain.SignatureDocument) error) (*domain.SignatureDocument, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.Mutate: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	d, err := loadDocument(ctx, tx, `tenant_id = $1 AND id = $2`, true, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.Mutate: %w", err)
	}

	if err := fn(d); err != nil {
		return nil, err
	}

	trail, err := json.Marshal(d.AuditTrail)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.Mutate: marshal trail: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE signature_documents
		 SET title = $1, status = $2, expiration_date = $3, audit_trail = $4,
		     updated_at = $5, sent_at = $6, completed_at = $7, declined_at = $8,
		     voided_at = $9, void_reason = $10
		 WHERE tenant_id = $11 AND id = $12`,
		d.Title, d.Status, d.ExpirationDate, trail,
		d.UpdatedAt, d.SentAt, d.CompletedAt, d.DeclinedAt,
		d.VoidedAt, d.VoidReason,
		tenantID, id,
	)
	if err != nil {
		return nil, fmt.Errorf("documentRepo.Mutate: document: %w", err)
	}

	for _, rec := range d.Recipients {
		_, err = tx.Exec(ctx,
			`UPDATE signature_recipients
			 SET status = $1, signing_token = $2, token_expires_at = $3,
			     viewed_at = $4, signed_at = $5, declined_at = $6, declined_reason = $7,
			     ip_address = $8, user_agent = $9, updated_at = $10
			 WHERE id = $11`,
			rec.Status, rec.SigningToken, rec.TokenExpiresAt,
			rec.ViewedAt, rec.SignedAt, rec.DeclinedAt, rec.DeclinedReason,
			rec.IPAddress, rec.UserAgent, rec.UpdatedAt,
			rec.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("documentRepo.Mutate: recipient: %w", err)
		}
	}

	for _, f := range d.Fields {
		_, err = tx.Exec(ctx,
			`UPDATE signature_fields SET value = $1, updated_at = $2 WHERE id = $3`,
			f.Value, f.UpdatedAt, f.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("documentRepo.Mutate: field: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("documentRepo.Mutate: commit: %w", err)
	}
	return d, nil
}

// MarkSubscriptionSigned flips the linked subscription to signed. The guarded
// update plus the existence probe distinguish "already signed" (ErrConflict,
// which completion handling treats as an idempotent repeat) from "no such
// subscription" (ErrNotFound).
func (r *DocumentRepo) MarkSubscriptionSigned(ctx context.Context, tenantID, subscriptionID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE subscriptions SET status = 'signed', signed_at = now(), updated_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND status <> 'signed'`,
		tenantID, subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("documentRepo.MarkSubscriptionSigned: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE tenant_id = $1 AND id = $2)`,
		tenantID, subscriptionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("documentRepo.MarkSubscriptionSigned: probe: %w", err)
	}
	if !exists {
		return fmt.Errorf("documentRepo.MarkSubscriptionSigned: %w", domain.ErrNotFound)
	}
	return fmt.Errorf("documentRepo.MarkSubscriptionSigned: already signed: %w", domain.ErrConflict)
}

// ---------------------------------------------------------------------------
// Loading helpers
// ---------------------------------------------------------------------------

func loadDocument(ctx context.Context, q querier, cond string, forUpdate bool, args ...any) (*domain.SignatureDocument, error) {
	query := `SELECT ` + documentColumns + ` FROM signature_documents WHERE ` + cond
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, domain.ErrNotFound
	}
	d, err := scanDocument(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	recs, err := loadRecipientsFor(ctx, q, []uuid.UUID{d.ID})
	if err != nil {
		return nil, err
	}
	d.Recipients = recs

	fields, err := loadFieldsFor(ctx, q, d.ID)
	if err != nil {
		return nil, err
	}
	d.Fields = fields

	return d, nil
}

func scanDocument(rows pgx.Rows) (*domain.SignatureDocument, error) {
	var (
		d     domain.SignatureDocument
		trail []byte
	)
	err := rows.Scan(
		&d.ID, &d.TenantID, &d.SubscriptionID, &d.CreatedBy, &d.Title, &d.Type, &d.Status,
		&d.ExpirationDate, &trail, &d.CreatedAt, &d.UpdatedAt,
		&d.SentAt, &d.CompletedAt, &d.DeclinedAt, &d.VoidedAt, &d.VoidReason,
	)
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	if len(trail) > 0 {
		if err := json.Unmarshal(trail, &d.AuditTrail); err != nil {
			return nil, fmt.Errorf("unmarshal trail: %w", err)
		}
	}
	return &d, nil
}

func loadRecipientsFor(ctx context.Context, q querier, docIDs []uuid.UUID) ([]*domain.SignatureRecipient, error) {
	rows, err := q.Query(ctx,
		`SELECT `+recipientColumns+`
		 FROM signature_recipients WHERE document_id = ANY($1)
		 ORDER BY signing_order, created_at`,
		docIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()

	var recs []*domain.SignatureRecipient
	for rows.Next() {
		var rec domain.SignatureRecipient
		err := rows.Scan(
			&rec.ID, &rec.DocumentID, &rec.Email, &rec.Name, &rec.Role, &rec.Order, &rec.Status,
			&rec.SigningToken, &rec.TokenExpiresAt, &rec.ViewedAt, &rec.SignedAt, &rec.DeclinedAt,
			&rec.DeclinedReason, &rec.IPAddress, &rec.UserAgent, &rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recipients: rows: %w", err)
	}
	return recs, nil
}

func loadFieldsFor(ctx context.Context, q querier, docID uuid.UUID) ([]*domain.SignatureField, error) {
	rows, err := q.Query(ctx,
		`SELECT `+fieldColumns+`
		 FROM signature_fields WHERE document_id = $1
		 ORDER BY page, y, x`,
		docID,
	)
	if err != nil {
		return nil, fmt.Errorf("load fields: %w", err)
	}
	defer rows.Close()

	var fields []*domain.SignatureField
	for rows.Next() {
		var f domain.SignatureField
		err := rows.Scan(
			&f.ID, &f.DocumentID, &f.RecipientID, &f.Type, &f.Page, &f.X, &f.Y, &f.Width, &f.Height,
			&f.Required, &f.Value, &f.CreatedAt, &f.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		fields = append(fields, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load fields: rows: %w", err)
	}
	return fields, nil
}

func insertRecipient(ctx context.Context, q querier, rec *domain.SignatureRecipient) error {
	_, err := q.Exec(ctx,
		`INSERT INTO signature_recipients
		 (`+recipientColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, rec.DocumentID, rec.Email, rec.Name, rec.Role, rec.Order, rec.Status,
		rec.SigningToken, rec.TokenExpiresAt, rec.ViewedAt, rec.SignedAt, rec.DeclinedAt,
		rec.DeclinedReason, rec.IPAddress, rec.UserAgent, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert recipient: %w", err)
	}
	return nil
}

func insertField(ctx context.Context, q querier, f *domain.SignatureField) error {
	_, err := q.Exec(ctx,
		`INSERT INTO signature_fields
		 (`+fieldColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		f.ID, f.DocumentID, f.RecipientID, f.Type, f.Page, f.X, f.Y, f.Width, f.Height,
		f.Required, f.Value, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert field: %w", err)
	}
	return nil
}
