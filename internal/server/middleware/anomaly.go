package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fundroom/fundroom/internal/anomaly"
	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/notify"
)

// Anomaly observes every authenticated request and denies the ones the
// detector blocks. Alerts land in the audit stream either way; a block
// additionally pages the operators. Requests without a user in context pass
// through untouched.
//
// A detector failure fails open, same as the rate limiter: behavioral
// monitoring must not become an availability dependency.
func Anomaly(detector *anomaly.Detector, recorder *audit.Recorder, alerter *notify.OpsAlerter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			access := anomaly.Access{
				UserID:    userID,
				IP:        clientIP(r),
				UserAgent: r.UserAgent(),
				Geo:       audit.ResolveGeo(r.Header),
				At:        time.Now(),
			}

			alerts, blocked, err := detector.Observe(r.Context(), access)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID.String()).Msg("anomaly: observe failed, failing open")
				next.ServeHTTP(w, r)
				return
			}

			tenantID, _ := TenantIDFromContext(r.Context())

			for _, a := range alerts {
				recorder.TryRecord(r.Context(), &domain.AuditEntry{
					TenantID:  tenantID,
					ActorType: "user",
					ActorID:   userID.String(),
					Event:     domain.AuditAnomalyAlert,
					Resource:  "user",
					IPAddress: access.IP,
					UserAgent: access.UserAgent,
					Geo:       access.Geo,
					Details: map[string]any{
						"type":     a.Type,
						"severity": string(a.Severity),
						"detail":   a.Detail,
					},
				})
			}

			if !blocked {
				next.ServeHTTP(w, r)
				return
			}

			recorder.TryRecord(r.Context(), &domain.AuditEntry{
				TenantID:  tenantID,
				ActorType: "user",
				ActorID:   userID.String(),
				Event:     domain.AuditAnomalyBlocked,
				Resource:  "user",
				IPAddress: access.IP,
				UserAgent: access.UserAgent,
				Geo:       access.Geo,
				Details:   map[string]any{"alerts": len(alerts)},
			})

			alerter.SecurityAlert(r.Context(), "Access blocked by anomaly detection", map[string]string{
				"user_id":   userID.String(),
				"tenant_id": tenantID.String(),
				"ip":        access.IP,
				"alerts":    fmt.Sprintf("%d", len(alerts)),
			})

			http.Error(w, `{"title":"Forbidden","status":403,"detail":"access temporarily blocked"}`, http.StatusForbidden)
		})
	}
}
