package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequireTenant refuses any authenticated request whose token lacks a usable
// tenant claim. Every document and audit query below this point is scoped by
// tenant ID, so a nil tenant would otherwise read as "no rows" rather than
// "no access" and mask token problems.
func RequireTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tid, ok := TenantIDFromContext(r.Context())
			if !ok || tid == uuid.Nil {
				http.Error(w, `{"title":"Forbidden","status":403,"detail":"valid tenant required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
