package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultSignatureTolerance, cfg.SignatureTolerance)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test123")
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "staging")
	t.Setenv("STRIPE_SIGNATURE_TOLERANCE", "90s")
	t.Setenv("ALLOWED_ORIGINS", "https://app.praxis.app, https://admin.praxis.app")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, 90*time.Second, cfg.SignatureTolerance)
	assert.Equal(t, []string{"https://app.praxis.app", "https://admin.praxis.app"}, cfg.AllowedOrigins)
}

func TestValidateRequiresWebhookSecret(t *testing.T) {
	cfg := &Config{Env: "development", SignatureTolerance: time.Minute}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestValidateRejectsNonSigningSecret(t *testing.T) {
	cfg := &Config{
		Env:                 "development",
		StripeWebhookSecret: "sk_test_notasecret",
		SignatureTolerance:  time.Minute,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whsec_")
}

func TestValidateProductionRequiresAPIKey(t *testing.T) {
	cfg := &Config{
		Env:                 "production",
		StripeWebhookSecret: "whsec_abc",
		SignatureTolerance:  time.Minute,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_API_KEY")

	cfg.StripeAPIKey = "sk_live_abc"
	assert.NoError(t, cfg.Validate())
}
