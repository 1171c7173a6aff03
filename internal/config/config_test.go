package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/config"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := config.Default()

	require.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	require.Equal(t, "http://localhost:11434", cfg.OllamaHost)
	require.Equal(t, 10*time.Second, cfg.GPULockTTL)
	require.Equal(t, 5*time.Second, cfg.GPULockWait)
	require.Equal(t, 5*time.Second, cfg.RetryCountdown)
	require.Equal(t, 20, cfg.MaxRetries)
	require.Equal(t, 300*time.Second, cfg.JanitorInterval)
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	for k, v := range map[string]string{
		"REDIS_URL":             "redis://example:6380/1",
		"OLLAMA_HOST":           "http://example:11500",
		"GPU_LOCK_TTL_MS":       "20000",
		"MAX_RETRIES":           "5",
		"GPU_INDEX":             "2",
		"RETRY_RATE_PER_SECOND": "4.5",
		"RETRY_BURST":           "7",
	} {
		t.Setenv(k, v)
	}

	cfg := config.FromEnv()
	require.Equal(t, "redis://example:6380/1", cfg.RedisURL)
	require.Equal(t, "http://example:11500", cfg.OllamaHost)
	require.Equal(t, 20*time.Second, cfg.GPULockTTL)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 2, cfg.GPUIndex)
	require.Equal(t, 4.5, cfg.RetryRatePerSecond)
	require.Equal(t, 7, cfg.RetryBurst)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_RETRIES", "not-a-number")
	defer os.Unsetenv("MAX_RETRIES")

	cfg := config.FromEnv()
	require.Equal(t, config.Default().MaxRetries, cfg.MaxRetries)
}
