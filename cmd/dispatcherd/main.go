// Command dispatcherd runs the VRAM-aware admission, eviction, and streaming
// dispatcher: an HTTP front end over a local model runtime (e.g. an
// Ollama-compatible server), coordinating residency decisions through Redis
// so multiple dispatcherd replicas can share one GPU safely.
//
// # Configuration
//
// Environment variables (see internal/config):
//
//	REDIS_URL              - Redis connection URL (default: redis://localhost:6379/0)
//	OLLAMA_HOST            - model runtime base URL (default: http://localhost:11434)
//	GPU_LOCK_TTL_MS        - GPU lock TTL (default: 10000)
//	GPU_LOCK_WAIT_MS       - GPU lock acquire timeout (default: 5000)
//	RETRY_COUNTDOWN_S      - deferred-task retry delay (default: 5)
//	MAX_RETRIES            - max admission retries before failing (default: 20)
//	JANITOR_INTERVAL_S     - stale-tracking sweep interval (default: 300)
//	GPU_INDEX              - GPU index this replica manages (default: 0)
//	RETRY_RATE_PER_SECOND  - per-model deferred-retry pacing (default: 2)
//	RETRY_BURST            - per-model deferred-retry burst (default: 3)
//	HTTP_ADDR              - HTTP listen address (default: :8080)
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/vramdispatch/dispatcher/internal/api"
	"github.com/vramdispatch/dispatcher/internal/config"
	"github.com/vramdispatch/dispatcher/internal/coordstore"
	"github.com/vramdispatch/dispatcher/internal/gpulock"
	"github.com/vramdispatch/dispatcher/internal/gpuprobe"
	"github.com/vramdispatch/dispatcher/internal/janitor"
	"github.com/vramdispatch/dispatcher/internal/mrc"
	"github.com/vramdispatch/dispatcher/internal/orchestrator"
	"github.com/vramdispatch/dispatcher/internal/pulseclient"
	"github.com/vramdispatch/dispatcher/internal/stream"
	"github.com/vramdispatch/dispatcher/internal/telemetry"
	"github.com/vramdispatch/dispatcher/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		stdlog.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	httpAddr := envOr("HTTP_ADDR", ":8080")

	ctx = log.Context(ctx, log.WithFormat(log.FormatJSON))
	logger := telemetry.NewClueLogger(ctx)
	metrics := telemetry.NewClueMetrics()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	store := coordstore.New(rdb)
	tr := tracker.New(store)
	protectedMap, err := rmap.Join(ctx, "dispatcherd:protected", rdb)
	if err != nil {
		return fmt.Errorf("join protected models map: %w", err)
	}
	tr = tr.WithClusterCache(protectedMap)
	probe := gpuprobe.NewNVMLProbe()
	defer probe.Close()
	client := mrc.NewOllamaClient(cfg.OllamaHost, nil)

	pulseClient, err := pulseclient.New(pulseclient.Options{Redis: rdb})
	if err != nil {
		return fmt.Errorf("create pulse client: %w", err)
	}
	relay := stream.New(pulseClient, "dispatcherd")

	poolNode, err := pool.AddNode(ctx, "dispatcherd", rdb)
	if err != nil {
		return fmt.Errorf("add pool node: %w", err)
	}

	orchCfg := orchestrator.Config{
		GPULockTTL:         cfg.GPULockTTL,
		GPULockWait:        cfg.GPULockWait,
		RetryCountdown:     cfg.RetryCountdown,
		MaxRetries:         cfg.MaxRetries,
		RetryRatePerSecond: cfg.RetryRatePerSecond,
		RetryBurst:         cfg.RetryBurst,
	}
	orch := orchestrator.New(tr, probe, client, relay, orchCfg, func(gpuIndex int) *gpulock.Lock {
		return gpulock.New(store, gpuIndex, cfg.GPULockTTL, cfg.GPULockWait)
	}, logger, metrics)

	j := janitor.New(tr, client, poolNode, cfg.JanitorInterval, logger, metrics)
	go func() {
		if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("janitor stopped", "err", err)
		}
	}()

	srv := api.NewServer(client, store, orch, api.Config{GPUIndex: cfg.GPUIndex}, logger)
	httpServer := &http.Server{Addr: httpAddr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatcherd listening", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
