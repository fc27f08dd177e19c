package v1_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/server/middleware"
)

// ---------------------------------------------------------------------------
// Context helpers: inject tenant/user/role into context for DoCtx
// ---------------------------------------------------------------------------

func tenantCtx(tenantID uuid.UUID) context.Context {
	ctx := context.Background()
	ctx = context.WithValue(ctx, middleware.ContextKeyTenantID, tenantID)
	return ctx
}

func userCtx(tenantID, userID uuid.UUID) context.Context {
	ctx := tenantCtx(tenantID)
	ctx = context.WithValue(ctx, middleware.ContextKeyUserID, userID)
	return ctx
}

// ---------------------------------------------------------------------------
// Mock DataStore
// ---------------------------------------------------------------------------

type mockDataStore struct {
	tenants   domain.TenantRepository
	users     domain.UserRepository
	documents domain.DocumentRepository
	auditRepo domain.AuditRepository
}

func (m *mockDataStore) Tenants() domain.TenantRepository     { return m.tenants }
func (m *mockDataStore) Users() domain.UserRepository         { return m.users }
func (m *mockDataStore) Documents() domain.DocumentRepository { return m.documents }
func (m *mockDataStore) Audit() domain.AuditRepository        { return m.auditRepo }

// ---------------------------------------------------------------------------
// Mock TenantRepository
// ---------------------------------------------------------------------------

type mockTenantRepo struct {
	createFunc    func(ctx context.Context, t *domain.Tenant) error
	getByIDFunc   func(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	getBySlugFunc func(ctx context.Context, slug string) (*domain.Tenant, error)
	listFunc      func(ctx context.Context) ([]*domain.Tenant, error)
}

func (m *mockTenantRepo) Create(ctx context.Context, t *domain.Tenant) error {
	return m.createFunc(ctx, t)
}

func (m *mockTenantRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockTenantRepo) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	return m.getBySlugFunc(ctx, slug)
}

func (m *mockTenantRepo) List(ctx context.Context) ([]*domain.Tenant, error) {
	return m.listFunc(ctx)
}

// ---------------------------------------------------------------------------
// Mock AuthService
// ---------------------------------------------------------------------------

type mockAuthService struct {
	registerFunc     func(ctx context.Context, tenantID uuid.UUID, email, password, name string) (*domain.User, error)
	loginFunc        func(ctx context.Context, tenantID uuid.UUID, email, password string) (string, string, error)
	refreshTokenFunc func(ctx context.Context, refreshToken string) (string, error)
}

func (m *mockAuthService) Register(ctx context.Context, tenantID uuid.UUID, email, password, name string) (*domain.User, error) {
	return m.registerFunc(ctx, tenantID, email, password, name)
}

func (m *mockAuthService) Login(ctx context.Context, tenantID uuid.UUID, email, password string) (accessToken, refreshToken string, err error) {
	return m.loginFunc(ctx, tenantID, email, password)
}

func (m *mockAuthService) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	return m.refreshTokenFunc(ctx, refreshToken)
}

// ---------------------------------------------------------------------------
// In-memory DocumentRepository: backs the real signature.Service in handler
// tests, so the full lifecycle runs against the handlers.
// ---------------------------------------------------------------------------

type memDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*domain.SignatureDocument
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[uuid.UUID]*domain.SignatureDocument)}
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

func (m *memDocs) GetByToken(_ context.Context, token string) (*domain.SignatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.RecipientByToken(token) != nil {
			return d, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memDocs) List(_ context.Context, tenantID uuid.UUID, _, _ int) ([]*domain.SignatureDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.SignatureDocument
	for _, d := range m.docs {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memDocs) UpdateDraft(_ context.Context, d *domain.SignatureDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.docs[d.ID]
	if !ok || existing.Status != domain.DocumentStatusDraft {
		return domain.ErrNotFound
	}
	m.docs[d.ID] = d
	return nil
}

func (m *memDocs) Mutate(_ context.Context, tenantID, id uuid.UUID, fn func(d *domain.SignatureDocument) error) (*domain.SignatureDocument, error) {
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

func (m *memDocs) MarkSubscriptionSigned(_ context.Context, _, _ uuid.UUID) error {
	return nil
}

// ---------------------------------------------------------------------------
// Audit plumbing
// ---------------------------------------------------------------------------

type memAudit struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
}

func (m *memAudit) Record(_ context.Context, entry *domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) ListByTenant(_ context.Context, tenantID uuid.UUID, _, _ time.Time, _, _ int) ([]*domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditEntry
	for _, e := range m.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) ListByResource(_ context.Context, tenantID uuid.UUID, resource string, resourceID uuid.UUID) ([]*domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.AuditEntry
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.Resource == resource && e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// nopNotifier ignores completion fan-out in handler tests.
type nopNotifier struct{}

func (nopNotifier) DocumentCompleted(_ context.Context, _ *domain.SignatureDocument) {}
