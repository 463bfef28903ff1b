package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "WALLET_URL", "http://wallet.internal:9000")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "http://wallet.internal:9000", cfg.WalletURL)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultWalletTimeout, cfg.WalletTimeout)
	assert.Equal(t, DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
}

func TestLoad_MissingWalletURL(t *testing.T) {
	setEnv(t, "WALLET_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WALLET_URL")
}

func TestLoad_InvalidPort(t *testing.T) {
	setEnv(t, "WALLET_URL", "http://wallet.internal:9000")
	setEnv(t, "PORT", "not-a-port")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestLoad_Durations(t *testing.T) {
	setEnv(t, "WALLET_URL", "http://wallet.internal:9000")
	setEnv(t, "SWEEP_INTERVAL", "30m")
	setEnv(t, "IDEMPOTENCY_TTL", "1h")
	setEnv(t, "WALLET_TIMEOUT", "garbage") // falls back to default

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.SweepInterval)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, DefaultWalletTimeout, cfg.WalletTimeout)
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())

	cfg.Env = "development"
	assert.False(t, cfg.IsProduction())
}
