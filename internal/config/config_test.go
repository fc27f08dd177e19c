package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

// Minimal valid environment for Load. Individual tests override keys.
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FUNDROOM_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("FUNDROOM_WEBHOOK_SECRET", "fedcba9876543210fedcba9876543210")
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string // nil = don't set; pointer to distinguish "" from unset
		fallback string
		want     string
	}{
		{name: "returns fallback when unset", key: "FUNDROOM_TEST_GETENV_UNSET", setVal: nil, fallback: "default", want: "default"},
		{name: "returns env value when set", key: "FUNDROOM_TEST_GETENV_SET", setVal: strPtr("custom"), fallback: "default", want: "custom"},
		{name: "returns fallback when empty string", key: "FUNDROOM_TEST_GETENV_EMPTY", setVal: strPtr(""), fallback: "default", want: "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got := getEnv(tc.key, tc.fallback)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		setVal   *string
		fallback time.Duration
		want     time.Duration
		wantErr  bool
	}{
		{name: "returns fallback when unset", key: "FUNDROOM_TEST_DUR_UNSET", setVal: nil, fallback: time.Minute, want: time.Minute},
		{name: "parses duration", key: "FUNDROOM_TEST_DUR_VALID", setVal: strPtr("15m"), fallback: 0, want: 15 * time.Minute},
		{name: "errors on bare number", key: "FUNDROOM_TEST_DUR_NUM", setVal: strPtr("900000"), fallback: 0, wantErr: true},
		{name: "errors on garbage", key: "FUNDROOM_TEST_DUR_BAD", setVal: strPtr("soon"), fallback: 0, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setVal != nil {
				t.Setenv(tc.key, *tc.setVal)
			}

			got, err := getEnvDuration(tc.key, tc.fallback)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// Load + validation
// ---------------------------------------------------------------------------

func TestLoad_Defaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTTL)

	// Spec'd rate-limit defaults: 100/min general, 5/15min signing, 3/h strict.
	assert.Equal(t, 100, cfg.RateLimit.GeneralMax)
	assert.Equal(t, time.Minute, cfg.RateLimit.GeneralWindow)
	assert.Equal(t, 5, cfg.RateLimit.SigningMax)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.SigningWindow)
	assert.Equal(t, 3, cfg.RateLimit.StrictMax)
	assert.Equal(t, time.Hour, cfg.RateLimit.StrictWindow)

	// The webhook class absorbs provider retry bursts: it must dwarf the
	// human-facing budgets or lifecycle events stall behind 429s.
	assert.Equal(t, 600, cfg.RateLimit.WebhookMax)
	assert.Equal(t, time.Minute, cfg.RateLimit.WebhookWindow)
	assert.Greater(t, cfg.RateLimit.WebhookMax, cfg.RateLimit.GeneralMax)

	assert.Equal(t, 5, cfg.Anomaly.MaxIPs)
	assert.Equal(t, 10, cfg.Anomaly.CriticalIPs)
	assert.Equal(t, 24*time.Hour, cfg.Anomaly.PatternTTL)

	assert.False(t, cfg.Webhook.TestMode)
}

func TestLoad_RequiresJWTSecret(t *testing.T) {
	t.Setenv("FUNDROOM_WEBHOOK_SECRET", "fedcba9876543210fedcba9876543210")
	t.Setenv("FUNDROOM_JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FUNDROOM_JWT_SECRET")
}

func TestLoad_RequiresWebhookSecret(t *testing.T) {
	t.Setenv("FUNDROOM_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FUNDROOM_WEBHOOK_SECRET")
}

func TestLoad_ShortWebhookSecretRejected(t *testing.T) {
	setValidEnv(t)
	t.Setenv("FUNDROOM_WEBHOOK_SECRET", "tooshort")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestLoad_TestModeAllowsMissingSecret(t *testing.T) {
	t.Setenv("FUNDROOM_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("FUNDROOM_WEBHOOK_TEST_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Webhook.TestMode)
	assert.Empty(t, cfg.Webhook.Secret)
}

func TestLoad_TestModeRejectsConfiguredSecret(t *testing.T) {
	setValidEnv(t)
	t.Setenv("FUNDROOM_WEBHOOK_TEST_MODE", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FUNDROOM_WEBHOOK_TEST_MODE")
}

func TestLoad_BoundsChecks(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "db port too high", key: "FUNDROOM_DB_PORT", val: "70000"},
		{name: "zero max conns", key: "FUNDROOM_DB_MAX_CONNS", val: "0"},
		{name: "zero general max", key: "FUNDROOM_RATELIMIT_GENERAL_MAX", val: "0"},
		{name: "negative signing window", key: "FUNDROOM_RATELIMIT_SIGNING_WINDOW", val: "-5m"},
		{name: "unusual hour out of range", key: "FUNDROOM_ANOMALY_UNUSUAL_START_HOUR", val: "24"},
		{name: "critical ips below max ips", key: "FUNDROOM_ANOMALY_CRITICAL_IPS", val: "4"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setValidEnv(t)
			t.Setenv(tc.key, tc.val)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_SlackChannelRequiredWithToken(t *testing.T) {
	setValidEnv(t)
	t.Setenv("FUNDROOM_SLACK_BOT_TOKEN", "xoxb-test")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FUNDROOM_SLACK_ALERT_CHANNEL")
}

func TestDSN(t *testing.T) {
	c := &DatabaseConfig{
		Host: "db", Port: 5433, User: "u", Password: "p", DBName: "fundroom", SSLMode: "require",
	}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=fundroom sslmode=require", c.DSN())
}
