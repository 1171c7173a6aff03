package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/coordstore"
	"github.com/vramdispatch/dispatcher/internal/gpulock"
	"github.com/vramdispatch/dispatcher/internal/gpuprobe"
	"github.com/vramdispatch/dispatcher/internal/mrc"
	"github.com/vramdispatch/dispatcher/internal/orchestrator"
	"github.com/vramdispatch/dispatcher/internal/tracker"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][]string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{messages: make(map[string][]string)}
}

func (f *fakePublisher) Publish(_ context.Context, channelID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[channelID] = append(f.messages[channelID], content)
	return nil
}

func (f *fakePublisher) get(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[channelID]...)
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestOrchestrator(t *testing.T, client *mrc.Fake, probe *gpuprobe.Fake, pub orchestrator.Publisher, cfg orchestrator.Config) (*orchestrator.Orchestrator, *tracker.Tracker) {
	t.Helper()
	store := coordstore.NewFake()
	tr := tracker.New(store)
	o := orchestrator.New(tr, probe, client, pub, cfg, func(gpuIndex int) *gpulock.Lock {
		return gpulock.New(store, gpuIndex, 2*time.Second, 500*time.Millisecond)
	}, nil, nil)
	return o, tr
}

func defaultConfig() orchestrator.Config {
	return orchestrator.Config{
		GPULockTTL:     2 * time.Second,
		GPULockWait:    500 * time.Millisecond,
		RetryCountdown: 20 * time.Millisecond,
		MaxRetries:     3,
	}
}

func TestOrchestratorLoadDirectAndStream(t *testing.T) {
	client := &mrc.Fake{
		Models:     []mrc.ModelInfo{{Name: "llama3", SizeBytes: 4000}},
		ChatChunks: []mrc.Chunk{{Content: "hel"}, {Content: "lo"}},
	}
	probe := &gpuprobe.Fake{Snapshot: gpuprobe.Snapshot{TotalBytes: 20000, FreeBytes: 10000}}
	pub := newFakePublisher()
	o, _ := newTestOrchestrator(t, client, probe, pub, defaultConfig())

	req := orchestrator.Request{TaskID: "t1", ChannelID: "c1", GPUIndex: 0, Model: "llama3"}
	o.Submit(context.Background(), req)

	waitFor(t, func() bool {
		r, ok := o.Result("t1")
		return ok && r.Status == orchestrator.StatusDone
	})

	msgs := pub.get("c1")
	require.Equal(t, []string{"hel", "lo", orchestrator.SentinelDone}, msgs)
	require.Len(t, client.GenerateCalls, 1)
	require.Equal(t, mrc.KeepAlivePin, client.GenerateCalls[0].KeepAlive)
}

func TestOrchestratorMaxRetriesExceededPublishesError(t *testing.T) {
	client := &mrc.Fake{
		Models: []mrc.ModelInfo{{Name: "big", SizeBytes: 4000}},
	}
	probe := &gpuprobe.Fake{Snapshot: gpuprobe.Snapshot{TotalBytes: 20000, FreeBytes: 100}}
	pub := newFakePublisher()
	cfg := defaultConfig()
	cfg.MaxRetries = 2
	o, _ := newTestOrchestrator(t, client, probe, pub, cfg)

	req := orchestrator.Request{TaskID: "t2", ChannelID: "c2", GPUIndex: 0, Model: "big"}
	o.Submit(context.Background(), req)

	waitFor(t, func() bool {
		r, ok := o.Result("t2")
		return ok && r.Status == orchestrator.StatusFailed
	})

	msgs := pub.get("c2")
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[0], "max_retries_exceeded")
	require.Equal(t, orchestrator.SentinelDone, msgs[1])
}

func TestStatusWireMatchesSpecVocabulary(t *testing.T) {
	cases := []struct {
		status orchestrator.Status
		wire   string
	}{
		{orchestrator.StatusSubmitted, "QUEUED"},
		{orchestrator.StatusPlanning, "MANAGING_MODEL"},
		{orchestrator.StatusExecuting, "MANAGING_MODEL"},
		{orchestrator.StatusStreaming, "STREAMING"},
		{orchestrator.StatusDone, "SUCCESS"},
		{orchestrator.StatusDeferred, "RETRY"},
		{orchestrator.StatusFailed, "FAILURE"},
	}
	for _, c := range cases {
		require.Equal(t, c.wire, c.status.Wire())
	}
}

func TestOrchestratorOversizedModelIsImmediateFailure(t *testing.T) {
	client := &mrc.Fake{
		Models: []mrc.ModelInfo{{Name: "huge", SizeBytes: 8000}},
	}
	probe := &gpuprobe.Fake{Snapshot: gpuprobe.Snapshot{TotalBytes: 4000, FreeBytes: 4000}}
	pub := newFakePublisher()
	o, _ := newTestOrchestrator(t, client, probe, pub, defaultConfig())

	req := orchestrator.Request{TaskID: "t3", ChannelID: "c3", GPUIndex: 0, Model: "huge"}
	o.Submit(context.Background(), req)

	waitFor(t, func() bool {
		r, ok := o.Result("t3")
		return ok && r.Status == orchestrator.StatusFailed
	})
	require.Empty(t, client.ChatChunks)
}
