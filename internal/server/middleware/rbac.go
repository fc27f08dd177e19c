package middleware

import "net/http"

// Portal roles. Fund administrators are RoleAdmin; investor-facing users are
// RoleMember; RoleViewer is for read-only auditors and counsel.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// RequireRole restricts a route to the named roles. It must run after Auth,
// which puts the role claim into the context.
//
// A missing role means Auth never ran (401); a present but unlisted role is a
// 403. Compliance surfaces like the audit export hang off RequireAdmin, so
// the distinction matters for the audit trail of refused requests.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok || role == "" {
				http.Error(w, `{"title":"Unauthorized","status":401,"detail":"authentication required"}`, http.StatusUnauthorized)
				return
			}

			if _, match := allowed[role]; !match {
				http.Error(w, `{"title":"Forbidden","status":403,"detail":"insufficient permissions"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin gates fund-administrator surfaces (tenant management, audit
// export). Shorthand for RequireRole(RoleAdmin).
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(RoleAdmin)
}
