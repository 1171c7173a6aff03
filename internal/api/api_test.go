package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/api"
	"github.com/vramdispatch/dispatcher/internal/coordstore"
	"github.com/vramdispatch/dispatcher/internal/gpulock"
	"github.com/vramdispatch/dispatcher/internal/gpuprobe"
	"github.com/vramdispatch/dispatcher/internal/mrc"
	"github.com/vramdispatch/dispatcher/internal/orchestrator"
	"github.com/vramdispatch/dispatcher/internal/tracker"
)

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *mrc.Fake) {
	t.Helper()
	client := &mrc.Fake{Models: []mrc.ModelInfo{{Name: "llama3", SizeBytes: 4000}}}
	store := coordstore.NewFake()
	tr := tracker.New(store)
	probe := &gpuprobe.Fake{Snapshot: gpuprobe.Snapshot{TotalBytes: 20000, FreeBytes: 10000}}

	o := orchestrator.New(tr, probe, client, noopPublisher{}, orchestrator.Config{
		GPULockTTL: time.Second, GPULockWait: 100 * time.Millisecond,
		RetryCountdown: 10 * time.Millisecond, MaxRetries: 1,
	}, func(gpuIndex int) *gpulock.Lock {
		return gpulock.New(store, gpuIndex, time.Second, 100*time.Millisecond)
	}, nil, nil)

	srv := api.NewServer(client, store, o, api.Config{GPUIndex: 0}, nil)
	return httptest.NewServer(srv.Handler()), client
}

func TestHealthOK(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	require.Equal(t, []string{"llama3"}, names)
}

func TestChatRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/chat", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskStatusUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/task/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskStatusUsesSpecWireVocabularyAndResult(t *testing.T) {
	srv, client := newTestServer(t)
	defer srv.Close()
	client.ChatChunks = []mrc.Chunk{{Content: "hi"}}

	chatResp, err := http.Post(srv.URL+"/api/v1/chat", "application/json",
		bytes.NewBufferString(`{"query":"hi","model_name":"llama3","channel_id":"c1"}`))
	require.NoError(t, err)
	defer chatResp.Body.Close()
	require.Equal(t, http.StatusOK, chatResp.StatusCode)

	var queued struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(chatResp.Body).Decode(&queued))
	require.NotEmpty(t, queued.TaskID)

	var status struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Result *struct {
			Offloaded []string `json:"offloaded"`
			Reason    string   `json:"reason"`
		} `json:"result"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/v1/task/" + queued.TaskID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return status.Status == "SUCCESS"
	}, 2*time.Second, 5*time.Millisecond)

	require.NotNil(t, status.Result)
}
