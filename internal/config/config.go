// Package config defines the dispatcher's typed configuration surface,
// following the teacher's Config-struct convention (see registry.Config):
// explicit fields with documented defaults applied in code, rather than
// scattered os.Getenv/load_dotenv calls at arbitrary call sites.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the dispatcher reads at startup. Field names
// mirror the environment variables in spec.md §6 so FromEnv's mapping is
// mechanical and auditable.
type Config struct {
	// RedisURL is the Coordination Store endpoint. Defaults to
	// "redis://localhost:6379/0".
	RedisURL string
	// OllamaHost is the Model Runtime Client endpoint. Defaults to
	// "http://localhost:11434".
	OllamaHost string
	// GPULockTTL bounds how long a GPU lock may be held before it
	// auto-expires. Defaults to 10s.
	GPULockTTL time.Duration
	// GPULockWait bounds how long a task waits to acquire a GPU lock before
	// treating the contention as transient. Defaults to 5s.
	GPULockWait time.Duration
	// RetryCountdown is the backoff between admission retries after
	// insufficient_vram. Defaults to 5s.
	RetryCountdown time.Duration
	// MaxRetries is the admission-retry ceiling per request. Defaults to 20.
	MaxRetries int
	// SoftTimeout is the per-task soft time limit. Defaults to 300s. It is
	// loaded here only: no component applies it to a task.
	SoftTimeout time.Duration
	// HardTimeout is the per-task hard time limit. Defaults to 360s. It is
	// loaded here only: no component applies it, so a task is not killed
	// when it runs past this limit.
	HardTimeout time.Duration
	// JanitorInterval is the sweep cadence. Defaults to 300s.
	JanitorInterval time.Duration
	// GPUIndex is the GPU telemetry probe's default device index. Defaults to 0.
	GPUIndex int
	// RetryRatePerSecond bounds, per model, how often a deferred task may
	// re-enter PLANNING, beyond RetryCountdown's fixed sleep. Defaults to 2.
	RetryRatePerSecond float64
	// RetryBurst is the token-bucket burst allowance backing
	// RetryRatePerSecond. Defaults to 3.
	RetryBurst int
}

// Default returns the configuration with every spec.md §6 default applied.
func Default() Config {
	return Config{
		RedisURL:        "redis://localhost:6379/0",
		OllamaHost:      "http://localhost:11434",
		GPULockTTL:      10 * time.Second,
		GPULockWait:     5 * time.Second,
		RetryCountdown:  5 * time.Second,
		MaxRetries:      20,
		SoftTimeout:     300 * time.Second,
		HardTimeout:     360 * time.Second,
		JanitorInterval:    300 * time.Second,
		GPUIndex:           0,
		RetryRatePerSecond: 2,
		RetryBurst:         3,
	}
}

// FromEnv builds a Config starting from Default() and overriding any field
// whose environment variable is set. Malformed values are ignored (the
// default is kept) rather than failing startup, since a single bad override
// should not prevent the dispatcher from running with sane defaults.
func FromEnv() Config {
	cfg := Default()
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.OllamaHost = v
	}
	if v, ok := envMillis("GPU_LOCK_TTL_MS"); ok {
		cfg.GPULockTTL = v
	}
	if v, ok := envMillis("GPU_LOCK_WAIT_MS"); ok {
		cfg.GPULockWait = v
	}
	if v, ok := envSeconds("RETRY_COUNTDOWN_S"); ok {
		cfg.RetryCountdown = v
	}
	if v, ok := envInt("MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := envSeconds("SOFT_TIMEOUT_S"); ok {
		cfg.SoftTimeout = v
	}
	if v, ok := envSeconds("HARD_TIMEOUT_S"); ok {
		cfg.HardTimeout = v
	}
	if v, ok := envSeconds("JANITOR_INTERVAL_S"); ok {
		cfg.JanitorInterval = v
	}
	if v, ok := envInt("GPU_INDEX"); ok {
		cfg.GPUIndex = v
	}
	if v := os.Getenv("RETRY_RATE_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RetryRatePerSecond = f
		}
	}
	if v, ok := envInt("RETRY_BURST"); ok {
		cfg.RetryBurst = v
	}
	return cfg
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envMillis(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func envSeconds(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
