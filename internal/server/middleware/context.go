package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/fundroom/fundroom/internal/audit"
)

type contextKey string

const (
	ContextKeyTenantID   contextKey = "tenant_id"
	ContextKeyUserID     contextKey = "user_id"
	ContextKeyUserRole   contextKey = "role"
	ContextKeyClientInfo contextKey = "client_info"
)

// ClientInfo is the request origin captured for audit trails. Handlers behind
// huma do not see the raw *http.Request, so CaptureClient stashes it here.
type ClientInfo struct {
	IP        string
	UserAgent string
	Geo       string
}

func TenantIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyTenantID).(uuid.UUID)
	return v, ok
}

func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(ContextKeyUserID).(uuid.UUID)
	return v, ok
}

func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyUserRole).(string)
	return v, ok
}

func ClientInfoFromContext(ctx context.Context) ClientInfo {
	v, _ := ctx.Value(ContextKeyClientInfo).(ClientInfo)
	return v
}

// CaptureClient records the caller's IP, user agent and coarse geography in the
// request context.
func CaptureClient() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := ClientInfo{
				IP:        clientIP(r),
				UserAgent: r.UserAgent(),
				Geo:       audit.ResolveGeo(r.Header),
			}
			ctx := context.WithValue(r.Context(), ContextKeyClientInfo, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
