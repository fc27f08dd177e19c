package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Server    ServerConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Anomaly   AnomalyConfig
	Slack     SlackConfig
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. Redis is optional: when Addr is
// empty the rate limiter falls back to its in-process counter store.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// JWTConfig holds JWT authentication settings.
type JWTConfig struct {
	Secret     string //nolint:gosec // G117: JWT signing secret config
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// WebhookConfig holds the signing-provider webhook settings. The shared secret
// is required in every environment; TestMode is the only way to accept
// unsigned payloads and refuses to coexist with a configured secret so a
// misconfiguration cannot silently disable verification.
type WebhookConfig struct {
	Secret   string //nolint:gosec // G117: webhook HMAC secret config
	TestMode bool
}

// RateLimitConfig holds the sliding-window rules for the endpoint classes
// plus the sweep interval for the in-memory counter store. The webhook class
// is sized for a provider that retries with at-least-once delivery from a
// small set of egress IPs, so its budget is orders of magnitude above the
// human-facing classes.
type RateLimitConfig struct {
	GeneralMax    int
	GeneralWindow time.Duration
	SigningMax    int
	SigningWindow time.Duration
	StrictMax     int
	StrictWindow  time.Duration
	WebhookMax    int
	WebhookWindow time.Duration
	SweepInterval time.Duration
}

// AnomalyConfig holds behavioral-detection thresholds.
type AnomalyConfig struct {
	MaxIPs           int
	CriticalIPs      int
	MaxUserAgents    int
	BurstMax         int
	BurstCritical    int
	BurstWindow      time.Duration
	UnusualStartHour int
	UnusualEndHour   int
	PatternTTL       time.Duration
}

// SlackConfig holds operator alerting settings. Optional; alerts are logged
// only when no token is configured.
type SlackConfig struct {
	BotToken     string
	AlertChannel string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, webhook secret, DB password) must be set
// explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("FUNDROOM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("FUNDROOM_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("FUNDROOM_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	accessTTL, err := getEnvDuration("FUNDROOM_JWT_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	refreshTTL, err := getEnvDuration("FUNDROOM_JWT_REFRESH_TTL", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("FUNDROOM_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("FUNDROOM_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	webhookTestMode, err := getEnvBool("FUNDROOM_WEBHOOK_TEST_MODE", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rl, err := loadRateLimit()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	an, err := loadAnomaly()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("FUNDROOM_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("FUNDROOM_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("FUNDROOM_DB_USER", "fundroom"),
			Password: getEnv("FUNDROOM_DB_PASSWORD", ""),
			DBName:   getEnv("FUNDROOM_DB_NAME", "fundroom_dev"),
			SSLMode:  getEnv("FUNDROOM_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("FUNDROOM_REDIS_ADDR", ""),
			Password: getEnv("FUNDROOM_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:     getEnv("FUNDROOM_JWT_SECRET", ""),
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
		},
		Server: ServerConfig{
			Addr:         getEnv("FUNDROOM_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
		},
		Webhook: WebhookConfig{
			Secret:   getEnv("FUNDROOM_WEBHOOK_SECRET", ""),
			TestMode: webhookTestMode,
		},
		RateLimit: rl,
		Anomaly:   an,
		Slack: SlackConfig{
			BotToken:     getEnv("FUNDROOM_SLACK_BOT_TOKEN", ""),
			AlertChannel: getEnv("FUNDROOM_SLACK_ALERT_CHANNEL", ""),
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

func loadRateLimit() (RateLimitConfig, error) {
	generalMax, err := getEnvInt("FUNDROOM_RATELIMIT_GENERAL_MAX", 100)
	if err != nil {
		return RateLimitConfig{}, err
	}
	generalWindow, err := getEnvDuration("FUNDROOM_RATELIMIT_GENERAL_WINDOW", time.Minute)
	if err != nil {
		return RateLimitConfig{}, err
	}
	signingMax, err := getEnvInt("FUNDROOM_RATELIMIT_SIGNING_MAX", 5)
	if err != nil {
		return RateLimitConfig{}, err
	}
	signingWindow, err := getEnvDuration("FUNDROOM_RATELIMIT_SIGNING_WINDOW", 15*time.Minute)
	if err != nil {
		return RateLimitConfig{}, err
	}
	strictMax, err := getEnvInt("FUNDROOM_RATELIMIT_STRICT_MAX", 3)
	if err != nil {
		return RateLimitConfig{}, err
	}
	strictWindow, err := getEnvDuration("FUNDROOM_RATELIMIT_STRICT_WINDOW", time.Hour)
	if err != nil {
		return RateLimitConfig{}, err
	}
	webhookMax, err := getEnvInt("FUNDROOM_RATELIMIT_WEBHOOK_MAX", 600)
	if err != nil {
		return RateLimitConfig{}, err
	}
	webhookWindow, err := getEnvDuration("FUNDROOM_RATELIMIT_WEBHOOK_WINDOW", time.Minute)
	if err != nil {
		return RateLimitConfig{}, err
	}
	sweep, err := getEnvDuration("FUNDROOM_RATELIMIT_SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return RateLimitConfig{}, err
	}

	return RateLimitConfig{
		GeneralMax:    generalMax,
		GeneralWindow: generalWindow,
		SigningMax:    signingMax,
		SigningWindow: signingWindow,
		StrictMax:     strictMax,
		StrictWindow:  strictWindow,
		WebhookMax:    webhookMax,
		WebhookWindow: webhookWindow,
		SweepInterval: sweep,
	}, nil
}

func loadAnomaly() (AnomalyConfig, error) {
	maxIPs, err := getEnvInt("FUNDROOM_ANOMALY_MAX_IPS", 5)
	if err != nil {
		return AnomalyConfig{}, err
	}
	criticalIPs, err := getEnvInt("FUNDROOM_ANOMALY_CRITICAL_IPS", 10)
	if err != nil {
		return AnomalyConfig{}, err
	}
	maxUAs, err := getEnvInt("FUNDROOM_ANOMALY_MAX_USER_AGENTS", 3)
	if err != nil {
		return AnomalyConfig{}, err
	}
	burstMax, err := getEnvInt("FUNDROOM_ANOMALY_BURST_MAX", 30)
	if err != nil {
		return AnomalyConfig{}, err
	}
	burstCritical, err := getEnvInt("FUNDROOM_ANOMALY_BURST_CRITICAL", 100)
	if err != nil {
		return AnomalyConfig{}, err
	}
	burstWindow, err := getEnvDuration("FUNDROOM_ANOMALY_BURST_WINDOW", time.Minute)
	if err != nil {
		return AnomalyConfig{}, err
	}
	startHour, err := getEnvInt("FUNDROOM_ANOMALY_UNUSUAL_START_HOUR", 2)
	if err != nil {
		return AnomalyConfig{}, err
	}
	endHour, err := getEnvInt("FUNDROOM_ANOMALY_UNUSUAL_END_HOUR", 5)
	if err != nil {
		return AnomalyConfig{}, err
	}
	patternTTL, err := getEnvDuration("FUNDROOM_ANOMALY_PATTERN_TTL", 24*time.Hour)
	if err != nil {
		return AnomalyConfig{}, err
	}

	return AnomalyConfig{
		MaxIPs:           maxIPs,
		CriticalIPs:      criticalIPs,
		MaxUserAgents:    maxUAs,
		BurstMax:         burstMax,
		BurstCritical:    burstCritical,
		BurstWindow:      burstWindow,
		UnusualStartHour: startHour,
		UnusualEndHour:   endHour,
		PatternTTL:       patternTTL,
	}, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("FUNDROOM_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("FUNDROOM_JWT_SECRET must be at least 32 characters")
	}

	// Webhook secret is required in every environment. The explicit test-mode
	// flag is the only escape hatch, and it must not be combined with a secret:
	// one or the other, never both, so a stray flag cannot mask verification.
	if c.Webhook.TestMode && c.Webhook.Secret != "" {
		return errors.New("FUNDROOM_WEBHOOK_TEST_MODE cannot be combined with FUNDROOM_WEBHOOK_SECRET")
	}
	if !c.Webhook.TestMode {
		if c.Webhook.Secret == "" {
			return errors.New("FUNDROOM_WEBHOOK_SECRET is required (or set FUNDROOM_WEBHOOK_TEST_MODE=true for local testing)")
		}
		if len(c.Webhook.Secret) < 32 {
			return errors.New("FUNDROOM_WEBHOOK_SECRET must be at least 32 characters")
		}
	} else {
		log.Warn().Msg("FUNDROOM_WEBHOOK_TEST_MODE=true: webhook signatures are NOT verified; never use in production")
	}

	if c.Database.SSLMode == "disable" {
		log.Warn().Msg("FUNDROOM_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("FUNDROOM_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("FUNDROOM_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.JWT.AccessTTL <= 0 {
		return fmt.Errorf("FUNDROOM_JWT_ACCESS_TTL must be positive, got %s", c.JWT.AccessTTL)
	}
	if c.JWT.RefreshTTL <= 0 {
		return fmt.Errorf("FUNDROOM_JWT_REFRESH_TTL must be positive, got %s", c.JWT.RefreshTTL)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("FUNDROOM_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("FUNDROOM_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}

	for name, v := range map[string]int{
		"FUNDROOM_RATELIMIT_GENERAL_MAX": c.RateLimit.GeneralMax,
		"FUNDROOM_RATELIMIT_SIGNING_MAX": c.RateLimit.SigningMax,
		"FUNDROOM_RATELIMIT_STRICT_MAX":  c.RateLimit.StrictMax,
		"FUNDROOM_RATELIMIT_WEBHOOK_MAX": c.RateLimit.WebhookMax,
	} {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", name, v)
		}
	}
	for name, v := range map[string]time.Duration{
		"FUNDROOM_RATELIMIT_GENERAL_WINDOW": c.RateLimit.GeneralWindow,
		"FUNDROOM_RATELIMIT_SIGNING_WINDOW": c.RateLimit.SigningWindow,
		"FUNDROOM_RATELIMIT_STRICT_WINDOW":  c.RateLimit.StrictWindow,
		"FUNDROOM_RATELIMIT_WEBHOOK_WINDOW": c.RateLimit.WebhookWindow,
		"FUNDROOM_RATELIMIT_SWEEP_INTERVAL": c.RateLimit.SweepInterval,
		"FUNDROOM_ANOMALY_BURST_WINDOW":     c.Anomaly.BurstWindow,
		"FUNDROOM_ANOMALY_PATTERN_TTL":      c.Anomaly.PatternTTL,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}

	if c.Anomaly.UnusualStartHour < 0 || c.Anomaly.UnusualStartHour > 23 {
		return fmt.Errorf("FUNDROOM_ANOMALY_UNUSUAL_START_HOUR must be 0-23, got %d", c.Anomaly.UnusualStartHour)
	}
	if c.Anomaly.UnusualEndHour < 0 || c.Anomaly.UnusualEndHour > 23 {
		return fmt.Errorf("FUNDROOM_ANOMALY_UNUSUAL_END_HOUR must be 0-23, got %d", c.Anomaly.UnusualEndHour)
	}
	if c.Anomaly.CriticalIPs <= c.Anomaly.MaxIPs {
		return fmt.Errorf("FUNDROOM_ANOMALY_CRITICAL_IPS (%d) must exceed FUNDROOM_ANOMALY_MAX_IPS (%d)",
			c.Anomaly.CriticalIPs, c.Anomaly.MaxIPs)
	}

	if c.Slack.BotToken != "" && c.Slack.AlertChannel == "" {
		return errors.New("FUNDROOM_SLACK_ALERT_CHANNEL is required when FUNDROOM_SLACK_BOT_TOKEN is set")
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
