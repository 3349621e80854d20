package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.Outbox.Interval)
	assert.Equal(t, 8, cfg.Sweeper.MaxAttempts)
}

func TestLoad_EnvOnlyProduction(t *testing.T) {
	t.Setenv("PAYMENTS_ENVIRONMENT", "production")
	t.Setenv("PAYMENTS_RAZORPAY_KEY_ID", "rzp_live_key")
	t.Setenv("PAYMENTS_RAZORPAY_KEY_SECRET", "rzp_live_secret")
	t.Setenv("PAYMENTS_RAZORPAY_WEBHOOK_SECRET", "whsec_live")
	t.Setenv("PAYMENTS_SWEEPER_RETRY_TOKEN", "cron-token")
	t.Setenv("PAYMENTS_REDIS_PASSWORD", "redis-pass")
	t.Setenv("PAYMENTS_NOTIFIER_SMTP_ADDR", "smtp.example.com:587")
	t.Setenv("PAYMENTS_NOTIFIER_ADMIN_TO", "ops@example.com")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "rzp_live_key", cfg.Razorpay.KeyID)
	assert.Equal(t, "rzp_live_secret", cfg.Razorpay.KeySecret)
	assert.Equal(t, "whsec_live", cfg.Razorpay.WebhookSecret)
	assert.Equal(t, "cron-token", cfg.Sweeper.RetryToken)
	assert.Equal(t, "redis-pass", cfg.Redis.Password)
	assert.Equal(t, "smtp.example.com:587", cfg.Notifier.SMTPAddr)
	assert.Equal(t, "ops@example.com", cfg.Notifier.AdminTo)
}

func TestLoad_ProductionRequiresCredentials(t *testing.T) {
	t.Setenv("PAYMENTS_ENVIRONMENT", "production")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "razorpay credentials")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"http_addr: \":9090\"\nrazorpay:\n  key_id: file_key\n"), 0o600))

	t.Setenv("PAYMENTS_RAZORPAY_KEY_ID", "env_key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "env_key", cfg.Razorpay.KeyID)
}
