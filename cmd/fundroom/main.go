package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fundroom/fundroom/internal/anomaly"
	"github.com/fundroom/fundroom/internal/audit"
	"github.com/fundroom/fundroom/internal/auth"
	"github.com/fundroom/fundroom/internal/config"
	"github.com/fundroom/fundroom/internal/notify"
	"github.com/fundroom/fundroom/internal/ratelimit"
	"github.com/fundroom/fundroom/internal/server"
	"github.com/fundroom/fundroom/internal/signature"
	"github.com/fundroom/fundroom/internal/store/postgres"
	redisstore "github.com/fundroom/fundroom/internal/store/redis"
	"github.com/fundroom/fundroom/internal/webhook"
)

// signingTokenTTL bounds how long an issued signing link stays valid.
const signingTokenTTL = 14 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("FUNDROOM_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("FUNDROOM_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Rate-limit counters: redis when configured, in-process otherwise.
	var counters ratelimit.CounterStore
	if cfg.Redis.Addr != "" {
		redisCounters, redisErr := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if redisErr != nil {
			return redisErr
		}
		defer redisCounters.Close()
		counters = redisCounters
		log.Info().Str("addr", cfg.Redis.Addr).Msg("rate limiting backed by redis")
	} else {
		memCounters := ratelimit.NewMemoryStore()
		go memCounters.Sweep(ctx, cfg.RateLimit.SweepInterval)
		counters = memCounters
		log.Warn().Msg("FUNDROOM_REDIS_ADDR not set: rate limiting is per-instance only")
	}
	limiter := ratelimit.New(counters)

	// Behavioral anomaly detection over in-process access patterns.
	patterns := anomaly.NewMemoryPatternStore(cfg.Anomaly.PatternTTL)
	go patterns.Sweep(ctx, cfg.Anomaly.PatternTTL)
	detector := anomaly.NewDetector(patterns, cfg.Anomaly)

	// Audit recorder over the global stream plus the compliance exporter.
	recorder := audit.NewRecorder(store.Audit())
	exporter := audit.NewExporter(store.Audit(), store.Documents())

	// Completion fan-out and operator alerting.
	notifier := notify.NewNotifier(notify.LogMailer{}, store.Users())
	alerter := notify.NewOpsAlerter(cfg.Slack.BotToken, cfg.Slack.AlertChannel)

	// Core services.
	authSvc := auth.NewService(store.Users(), cfg.JWT.Secret, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	sigSvc := signature.NewService(store.Documents(), recorder, notifier, signingTokenTTL)
	webhookHandler := webhook.NewHandler(cfg.Webhook.Secret, cfg.Webhook.TestMode, sigSvc, recorder)

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, server.Deps{
		Store:      store,
		Auth:       authSvc,
		Signatures: sigSvc,
		Webhook:    webhookHandler,
		Limiter:    limiter,
		Detector:   detector,
		Recorder:   recorder,
		Exporter:   exporter,
		OpsAlerter: alerter,
	})

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	// Let in-flight completion mail drain before exit.
	notifier.Wait()

	log.Info().Msg("stopped")
	return nil
}
