// Package janitor implements the periodic sweeper from spec.md §4.6: clear
// stale active(m)/reserved(m) entries left behind by a crashed worker
// (scenario S6). It is grounded on registry/health_tracker.go's
// startLocalTickerLocked/runPingLoop pattern — a goa.design/pulse/pool.Node
// distributed ticker ensures only one process in a multi-replica deployment
// actually runs the sweep on each tick, the same way the teacher ensures
// only one node pings a given toolset.
package janitor

import (
	"context"
	"fmt"
	"time"

	"goa.design/pulse/pool"

	"github.com/vramdispatch/dispatcher/internal/mrc"
	"github.com/vramdispatch/dispatcher/internal/telemetry"
	"github.com/vramdispatch/dispatcher/internal/tracker"
)

// Janitor runs tracker.CleanupStale on a distributed cadence.
type Janitor struct {
	tracker  *tracker.Tracker
	client   mrc.Client
	node     *pool.Node
	interval time.Duration
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

// New constructs a Janitor. node may be nil, in which case Run falls back to
// a local time.Ticker (single-process deployments, and tests); when non-nil,
// a distributed pool.Node.NewTicker is used so only one replica sweeps per
// tick.
func New(tr *tracker.Tracker, client mrc.Client, node *pool.Node, interval time.Duration, logger telemetry.Logger, metrics telemetry.Metrics) *Janitor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Janitor{tracker: tr, client: client, node: node, interval: interval, logger: logger, metrics: metrics}
}

// Run blocks, sweeping every interval until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) error {
	if j.node != nil {
		return j.runDistributed(ctx)
	}
	return j.runLocal(ctx)
}

func (j *Janitor) runLocal(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) runDistributed(ctx context.Context) error {
	t, err := j.node.NewTicker(ctx, "dispatcher:janitor:sweep", j.interval)
	if err != nil {
		return fmt.Errorf("janitor: create distributed ticker: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			j.sweep(ctx)
		}
	}
}

// sweep reads the current resident set and removes tracker entries that no
// longer point at a resident model (spec.md §4.1, §4.6; original's
// cleanup_inactive_model_tracking).
func (j *Janitor) sweep(ctx context.Context) {
	resident, err := j.client.Ps(ctx)
	if err != nil {
		j.logger.Warn("janitor: ps failed", "err", err)
		return
	}
	residentSet := make(map[string]struct{}, len(resident))
	for _, m := range resident {
		residentSet[m.Name] = struct{}{}
	}
	cleaned, err := j.tracker.CleanupStale(ctx, residentSet)
	if err != nil {
		j.logger.Warn("janitor: cleanup failed", "err", err)
		return
	}
	if cleaned > 0 {
		j.logger.Info("janitor: cleaned stale tracking entries", "count", cleaned)
		j.metrics.IncCounter("janitor.cleaned", float64(cleaned))
	}
}
