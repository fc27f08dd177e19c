package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/domain"
	"github.com/fundroom/fundroom/internal/ratelimit"
)

// RateLimit applies one sliding-window rule per request. The client key is the
// authenticated user when present, the client IP otherwise, so the signing-link
// endpoints (no auth) are still limited per caller. Quota headers go out on
// every response; refusals are audited and answered with 429 plus a retry hint.
//
// A counter-store failure fails open: a degraded redis must not take document
// signing down with it.
func RateLimit(limiter *ratelimit.Limiter, rule ratelimit.Rule, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)

			d, err := limiter.Allow(r.Context(), key, rule)
			if err != nil {
				log.Error().Err(err).Str("rule", rule.Name).Msg("ratelimit: counter store unavailable, failing open")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int(d.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}

			recordRefusal(r, recorder, rule.Name, key, retryAfter)

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w,
				`{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded, retry in %ds","retryAfter":%d}`,
				retryAfter, retryAfter,
			)
		})
	}
}

// clientKey prefers the authenticated user so a caller cannot reset their
// quota by rotating IPs. Unauthenticated requests fall back to the client IP.
func clientKey(r *http.Request) string {
	if userID, ok := UserIDFromContext(r.Context()); ok {
		return "user:" + userID.String()
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware strips the port; a raw listener does not.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func recordRefusal(r *http.Request, recorder *audit.Recorder, ruleName, key string, retryAfter int) {
	entry := &domain.AuditEntry{
		ActorType: "system",
		ActorID:   key,
		Event:     domain.AuditRateLimitExceeded,
		Resource:  "endpoint",
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Geo:       audit.ResolveGeo(r.Header),
		Details: map[string]any{
			"rule":        ruleName,
			"path":        r.URL.Path,
			"method":      r.Method,
			"retry_after": retryAfter,
		},
	}
	if tenantID, ok := TenantIDFromContext(r.Context()); ok {
		entry.TenantID = tenantID
	}
	if userID, ok := UserIDFromContext(r.Context()); ok {
		entry.ActorType = "user"
		entry.ActorID = userID.String()
	}

	recorder.TryRecord(r.Context(), entry)
}

type ipLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitByIP applies per-IP token-bucket limiting for the unauthenticated
// auth endpoints, where the sliding-window classes do not apply. Stale entries
// are cleaned up every 10 minutes.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*ipLimiter)
	)

	// Background cleanup of stale limiters.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				cutoff := time.Now().Add(-30 * time.Minute)
				for ip, il := range limiters {
					if il.lastAccess.Before(cutoff) {
						delete(limiters, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	limiterFor := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		il, ok := limiters[ip]
		if !ok {
			il = &ipLimiter{
				limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
				lastAccess: time.Now(),
			}
			limiters[ip] = il
		} else {
			il.lastAccess = time.Now()
		}
		return il.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			lim := limiterFor(clientIP(r))
			if !lim.Allow() {
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
