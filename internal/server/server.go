package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/fundroom/fundroom/internal/anomaly"
	v1 "github.com/fundroom/fundroom/internal/api/v1"
	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/auth"
	"github.com/fundroom/fundroom/internal/config"
	"github.com/fundroom/fundroom/internal/notify"
	"github.com/fundroom/fundroom/internal/ratelimit"
	"github.com/fundroom/fundroom/internal/server/middleware"
	"github.com/fundroom/fundroom/internal/signature"
	"github.com/fundroom/fundroom/internal/store/postgres"
	"github.com/fundroom/fundroom/internal/webhook"
)

// Deps carries the wired application services the router mounts.
type Deps struct {
	Store      *postgres.Store
	Auth       *auth.Service
	Signatures *signature.Service
	Webhook    *webhook.Handler
	Limiter    *ratelimit.Limiter
	Detector   *anomaly.Detector
	Recorder   *audit.Recorder
	Exporter   *audit.Exporter
	OpsAlerter *notify.OpsAlerter
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	cfg        *config.Config
}

// New creates a Server with all routes wired. ctx bounds the lifetime of the
// background cleanup goroutines started by per-IP limiters.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router: router,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	generalRule := ratelimit.Rule{Name: "general", Max: cfg.RateLimit.GeneralMax, Window: cfg.RateLimit.GeneralWindow}
	signingRule := ratelimit.Rule{Name: "signing", Max: cfg.RateLimit.SigningMax, Window: cfg.RateLimit.SigningWindow}
	strictRule := ratelimit.Rule{Name: "strict", Max: cfg.RateLimit.StrictMax, Window: cfg.RateLimit.StrictWindow}
	webhookRule := ratelimit.Rule{Name: "webhook", Max: cfg.RateLimit.WebhookMax, Window: cfg.RateLimit.WebhookWindow}

	// Mount API routes on /api/v1 with three sub-groups:
	// 1. Unauthenticated auth endpoints, brute-force limited per IP.
	// 2. Public signing-link endpoints, sliding-window limited per IP.
	// 3. Authenticated endpoints behind JWT, tenant scoping, the general
	//    rate-limit class and behavioral anomaly detection.
	router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimitByIP(ctx, 2, 10))

			authConfig := huma.DefaultConfig("Fundroom Auth API", "1.0.0")
			authConfig.Servers = []*huma.Server{{URL: "/api/v1"}}
			authAPI := humachi.New(r, authConfig)
			registerAuthRoutes(authAPI, deps.Store, deps.Auth)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.CaptureClient())
			r.Use(middleware.RateLimit(deps.Limiter, signingRule, deps.Recorder))

			signConfig := huma.DefaultConfig("Fundroom Signing API", "1.0.0")
			signConfig.Servers = []*huma.Server{{URL: "/api/v1"}}
			signAPI := humachi.New(r, signConfig)
			registerSigningRoutes(signAPI, deps.Signatures)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT.Secret))
			r.Use(middleware.RequireTenant())
			r.Use(middleware.CaptureClient())
			r.Use(middleware.RateLimit(deps.Limiter, generalRule, deps.Recorder))
			r.Use(middleware.Anomaly(deps.Detector, deps.Recorder, deps.OpsAlerter))

			apiConfig := huma.DefaultConfig("Fundroom API", "1.0.0")
			apiConfig.Servers = []*huma.Server{{URL: "/api/v1"}}
			api := humachi.New(r, apiConfig)
			registerAPIRoutes(api, deps.Store, deps.Signatures)

			// Compliance export is admin-only and streams CSV, so it stays a
			// plain chi route inside the authenticated group. Full-history
			// exports are expensive, hence the strict class on top of general.
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin())
				r.Use(middleware.RateLimit(deps.Limiter, strictRule, deps.Recorder))
				r.Method(http.MethodGet, "/audit/export", v1.NewAuditExportHandler(deps.Exporter))
			})
		})
	})

	// Signing-provider webhook. The handler verifies the raw body HMAC, so no
	// body-touching middleware may run ahead of it. The provider delivers all
	// tenants' events from a handful of egress IPs with at-least-once retries,
	// so this route gets the high-volume webhook class, not a human-scale one.
	router.Route("/webhooks", func(r chi.Router) {
		r.Use(middleware.RateLimit(deps.Limiter, webhookRule, deps.Recorder))
		r.Method(http.MethodPost, "/signature", deps.Webhook)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
