// Package orchestrator implements the Task Orchestrator state machine from
// spec.md §4.4: one logical state machine per request, coordinating the GPU
// lock, Admission Planner, Model Runtime Client, Resource Tracker, and the
// streaming relay. It is grounded on the worker-loop shape of
// runtime/agent/engine/inmem (goroutine per run, a context carried through
// every step, status reported at the end) generalized from a generic
// workflow engine down to this system's fixed five-state machine.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vramdispatch/dispatcher/internal/dispatcherr"
	"github.com/vramdispatch/dispatcher/internal/gpulock"
	"github.com/vramdispatch/dispatcher/internal/gpuprobe"
	"github.com/vramdispatch/dispatcher/internal/mrc"
	"github.com/vramdispatch/dispatcher/internal/planner"
	"github.com/vramdispatch/dispatcher/internal/ratelimit"
	"github.com/vramdispatch/dispatcher/internal/telemetry"
	"github.com/vramdispatch/dispatcher/internal/tracker"
)

// Publisher forwards relay content onto a request's channel. The Streaming
// Relay (internal/stream) implements this against goa.design/pulse streams;
// the Orchestrator only needs the narrow write side, so it depends on this
// interface rather than the concrete relay to keep the two packages
// decoupled (spec.md §9: dependency injection via small interfaces).
type Publisher interface {
	Publish(ctx context.Context, channelID, content string) error
}

// Sentinel frames match spec.md §4.5's end-of-stream and error markers.
const (
	SentinelDone = "[DONE]"
)

func sentinelError(reason string) string {
	return fmt.Sprintf("[ERROR: %s]", reason)
}

// Request describes one admitted chat request (spec.md §6's /api/v1/chat).
type Request struct {
	TaskID    string
	ChannelID string
	GPUIndex  int
	Model     string
	Messages  []mrc.Message
}

// Status is the lifecycle state reported back to callers polling
// /api/v1/task/{task_id} (spec.md §6).
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusPlanning  Status = "planning"
	StatusExecuting Status = "executing_plan"
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusDeferred  Status = "deferred"
	StatusFailed    Status = "failed"
)

// Wire maps the internal lifecycle state to the six values spec.md §6 pins
// for /api/v1/task/{task_id}'s status field: QUEUED, MANAGING_MODEL,
// STREAMING, SUCCESS, FAILURE, RETRY. The internal names stay verb-phrase
// and state-machine-shaped for logs/metrics; only the HTTP layer needs the
// spec's wire vocabulary, so the translation lives here rather than
// replacing the internal constants.
func (s Status) Wire() string {
	switch s {
	case StatusSubmitted:
		return "QUEUED"
	case StatusPlanning, StatusExecuting:
		return "MANAGING_MODEL"
	case StatusStreaming:
		return "STREAMING"
	case StatusDone:
		return "SUCCESS"
	case StatusDeferred:
		return "RETRY"
	case StatusFailed:
		return "FAILURE"
	default:
		return string(s)
	}
}

// Result is the final outcome recorded for a task once its goroutine exits.
type Result struct {
	Status    Status
	Offloaded []string
	Reason    string
}

// Config carries the Orchestrator's tunables, sourced from
// internal/config.Config (spec.md §6 defaults).
type Config struct {
	GPULockTTL     time.Duration
	GPULockWait    time.Duration
	RetryCountdown time.Duration
	MaxRetries     int

	// RetryRatePerSecond bounds, per model, how often a deferred task may
	// re-enter PLANNING (see internal/ratelimit). Zero disables the bound
	// beyond RetryCountdown itself.
	RetryRatePerSecond float64
	RetryBurst         int
}

// Orchestrator drives the per-request state machine described in spec.md
// §4.4. One instance is shared by every worker goroutine handling incoming
// requests; its only mutable state is the GPU lock cache and the per-task
// result cache, each guarded by its own mutex, so it is safe for concurrent
// Submit calls.
type Orchestrator struct {
	tracker *tracker.Tracker
	probe   gpuprobe.Probe
	client  mrc.Client
	pub     Publisher
	cfg     Config
	logger  telemetry.Logger
	metrics telemetry.Metrics

	lockMu sync.Mutex
	locks  map[int]*gpulock.Lock
	lockFn func(gpuIndex int) *gpulock.Lock

	retryLimiter *ratelimit.AdmissionLimiter

	resultMu sync.Mutex
	results  map[string]Result
}

// New constructs an Orchestrator. lockFor builds a fresh *gpulock.Lock for a
// given GPU index (callers typically close over a coordstore.Store and
// cfg.GPULockTTL/Wait); results are cached per task ID so
// /api/v1/task/{task_id} can look them up after the owning goroutine exits.
func New(tr *tracker.Tracker, probe gpuprobe.Probe, client mrc.Client, pub Publisher, cfg Config, lockFor func(gpuIndex int) *gpulock.Lock, logger telemetry.Logger, metrics telemetry.Metrics) *Orchestrator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		tracker:      tr,
		probe:        probe,
		client:       client,
		pub:          pub,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		locks:        make(map[int]*gpulock.Lock),
		lockFn:       lockFor,
		results:      make(map[string]Result),
		retryLimiter: ratelimit.New(cfg.RetryRatePerSecond, cfg.RetryBurst),
	}
}

func (o *Orchestrator) lockForGPU(gpuIndex int) *gpulock.Lock {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	if l, ok := o.locks[gpuIndex]; ok {
		return l
	}
	l := o.lockFn(gpuIndex)
	o.locks[gpuIndex] = l
	return l
}

// Submit starts the state machine for req in a new goroutine and returns
// immediately; the caller observes progress via Result or by watching the
// relay channel. ctx bounds the whole task lifecycle (spec.md §6's
// SOFT_TIMEOUT/HARD_TIMEOUT should be applied by the caller as a deadline on
// ctx).
func (o *Orchestrator) Submit(ctx context.Context, req Request) {
	o.setResult(req.TaskID, Result{Status: StatusSubmitted})
	go o.run(ctx, req)
}

// Result returns the last recorded status for taskID.
func (o *Orchestrator) Result(taskID string) (Result, bool) {
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	r, ok := o.results[taskID]
	return r, ok
}

func (o *Orchestrator) setResult(taskID string, r Result) {
	o.resultMu.Lock()
	o.results[taskID] = r
	o.resultMu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, req Request) {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			o.fail(ctx, req, "context canceled")
			return
		default:
		}

		if err := o.tracker.MarkReserved(ctx, req.Model, req.TaskID); err != nil {
			o.logger.Warn("orchestrator: mark reserved failed", "task_id", req.TaskID, "err", err)
			o.fail(ctx, req, "coordination store unavailable")
			return
		}
		o.setResult(req.TaskID, Result{Status: StatusPlanning})

		deferred, reason, err := o.planAndExecute(ctx, req)
		if err != nil {
			o.logger.Error("orchestrator: plan/execute error", "task_id", req.TaskID, "err", err)
			o.fail(ctx, req, err.Error())
			return
		}
		if deferred {
			retries++
			o.metrics.IncCounter("orchestrator.deferred", 1, "model", req.Model)
			if retries > o.cfg.MaxRetries {
				o.fail(ctx, req, "max_retries_exceeded")
				return
			}
			o.setResult(req.TaskID, Result{Status: StatusDeferred, Reason: reason})
			select {
			case <-time.After(o.cfg.RetryCountdown):
			case <-ctx.Done():
				o.fail(ctx, req, "context canceled")
				return
			}
			if err := o.retryLimiter.Wait(ctx, req.Model); err != nil {
				o.fail(ctx, req, "context canceled")
				return
			}
			continue
		}

		o.stream(ctx, req)
		return
	}
}

// planAndExecute runs PLANNING and EXECUTING_PLAN for one attempt. It
// returns deferred=true when the attempt should be retried (capacity
// exhausted, lock contention, or a failed VRAM probe, ps, or pin), and a
// non-nil err for a GPU lock error other than plain contention, a tracker
// read failure, a failed or missing model-size lookup, or a planner Error
// outcome.
func (o *Orchestrator) planAndExecute(ctx context.Context, req Request) (deferred bool, reason string, err error) {
	lock := o.lockForGPU(req.GPUIndex)
	held, ok, lerr := lock.Acquire(ctx)
	if lerr != nil {
		return false, "", fmt.Errorf("gpu lock: %w", lerr)
	}
	if !ok {
		return true, "gpu busy", nil
	}
	defer func() {
		if releaseErr := held.Release(ctx); releaseErr != nil {
			o.logger.Warn("orchestrator: lock release failed", "task_id", req.TaskID, "err", releaseErr)
		}
	}()

	o.setResult(req.TaskID, Result{Status: StatusExecuting})

	vram, verr := o.probe.VRAM(ctx, req.GPUIndex)
	if verr != nil {
		return true, "vram probe failed", nil
	}
	resident, rerr := o.client.Ps(ctx)
	if rerr != nil {
		return true, "ps failed", nil
	}
	// Size math uses the VRAM footprint, falling back to the on-disk size
	// when the runtime reports no VRAM-specific size for a resident model.
	resident = append([]mrc.ModelInfo(nil), resident...)
	for i := range resident {
		if resident[i].SizeVRAMBytes == 0 {
			resident[i].SizeVRAMBytes = resident[i].SizeBytes
		}
	}
	protected, perr := o.tracker.ProtectedModelsCached(ctx)
	if perr != nil {
		return false, "", fmt.Errorf("tracker: %w", perr)
	}

	modelSize, sizeErr := o.modelSize(ctx, req.Model, resident)
	if sizeErr != nil {
		return false, "", sizeErr
	}

	residents := make([]planner.Resident, 0, len(resident))
	for _, m := range resident {
		residents = append(residents, planner.Resident{Name: m.Name, SizeBytes: m.SizeVRAMBytes})
	}

	plan := planner.Decide(planner.Input{
		ModelName:      req.Model,
		ModelSizeBytes: modelSize,
		VRAM:           vram,
		Residents:      residents,
		Protected:      protected,
	})

	switch plan.Kind {
	case planner.KindAlreadyLoaded:
		return false, "", nil
	case planner.KindLoadDirect:
		if err := o.client.Generate(ctx, req.Model, mrc.KeepAlivePin); err != nil {
			return true, "pin failed", nil
		}
		return false, "", nil
	case planner.KindLoadAfterOffload:
		return o.executeOffload(ctx, req, plan, vram, modelSize)
	case planner.KindInsufficientVram:
		return true, plan.Reason, nil
	case planner.KindError:
		return false, "", dispatcherr.New(dispatcherr.Permanent, "planner_error", plan.Reason, nil)
	default:
		return false, "", fmt.Errorf("unknown plan kind")
	}
}

func (o *Orchestrator) executeOffload(ctx context.Context, req Request, plan planner.Outcome, vram gpuprobe.Snapshot, modelSize uint64) (bool, string, error) {
	var freed uint64
	var offloaded []string
	for _, s := range plan.Offload {
		if err := o.client.Generate(ctx, s.Name, mrc.KeepAliveEvict); err != nil {
			o.logger.Warn("orchestrator: offload failed", "model", s.Name, "err", err)
			continue
		}
		freed += s.SizeBytes
		offloaded = append(offloaded, s.Name)
	}

	if freed+vram.FreeBytes < modelSize {
		return true, "offload insufficient", nil
	}
	if err := o.client.Generate(ctx, req.Model, mrc.KeepAlivePin); err != nil {
		return true, "pin after offload failed", nil
	}
	o.setResult(req.TaskID, Result{Status: StatusExecuting, Offloaded: offloaded})
	return false, "", nil
}

func (o *Orchestrator) modelSize(ctx context.Context, model string, resident []mrc.ModelInfo) (uint64, error) {
	for _, m := range resident {
		if m.Name == model {
			return m.SizeVRAMBytes, nil
		}
	}
	models, err := o.client.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("mrc list: %w", err)
	}
	for _, m := range models {
		if m.Name == model {
			return m.SizeBytes, nil
		}
	}
	return 0, mrc.ErrModelNotFound
}

// stream runs PINNED -> STREAMING -> DONE: it marks the model active,
// clears the reservation, opens the chat stream, and relays chunks until
// the iterator terminates (spec.md §4.4 step 4-5).
func (o *Orchestrator) stream(ctx context.Context, req Request) {
	if err := o.tracker.MarkActive(ctx, req.Model, req.TaskID); err != nil {
		o.logger.Warn("orchestrator: mark active failed", "task_id", req.TaskID, "err", err)
	}
	_ = o.tracker.MarkUnreserved(ctx, req.Model, req.TaskID)
	prev, _ := o.Result(req.TaskID)
	offloaded := prev.Offloaded
	o.setResult(req.TaskID, Result{Status: StatusStreaming, Offloaded: offloaded})

	defer func() {
		_ = o.tracker.MarkInactive(context.Background(), req.Model, req.TaskID)
		_ = o.tracker.MarkUnreserved(context.Background(), req.Model, req.TaskID)
	}()

	streamer, err := o.client.Chat(ctx, req.Model, req.Messages)
	if err != nil {
		o.publishFailure(ctx, req, "chat failed to start")
		o.setResult(req.TaskID, Result{Status: StatusFailed, Reason: "chat failed to start"})
		return
	}
	defer streamer.Close()

	for {
		chunk, err := streamer.Recv()
		if err != nil {
			break
		}
		if chunk.Content == "" {
			continue
		}
		if perr := o.pub.Publish(ctx, req.ChannelID, chunk.Content); perr != nil {
			o.logger.Warn("orchestrator: publish failed", "task_id", req.TaskID, "err", perr)
		}
	}
	if perr := o.pub.Publish(ctx, req.ChannelID, SentinelDone); perr != nil {
		o.logger.Warn("orchestrator: publish done failed", "task_id", req.TaskID, "err", perr)
	}
	o.setResult(req.TaskID, Result{Status: StatusDone, Offloaded: offloaded})
}

func (o *Orchestrator) fail(ctx context.Context, req Request, reason string) {
	_ = o.tracker.MarkUnreserved(context.Background(), req.Model, req.TaskID)
	_ = o.tracker.MarkInactive(context.Background(), req.Model, req.TaskID)
	o.publishFailure(ctx, req, reason)
	o.setResult(req.TaskID, Result{Status: StatusFailed, Reason: reason})
}

// publishFailure best-effort publishes the error+done sentinel pair; relay
// failures are swallowed per spec.md §4.4 step 7.
func (o *Orchestrator) publishFailure(ctx context.Context, req Request, reason string) {
	bgCtx := context.WithoutCancel(ctx)
	if perr := o.pub.Publish(bgCtx, req.ChannelID, sentinelError(reason)); perr != nil {
		o.logger.Warn("orchestrator: publish error sentinel failed", "task_id", req.TaskID, "err", perr)
	}
	if perr := o.pub.Publish(bgCtx, req.ChannelID, SentinelDone); perr != nil {
		o.logger.Warn("orchestrator: publish done sentinel failed", "task_id", req.TaskID, "err", perr)
	}
}
