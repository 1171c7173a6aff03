// Package api implements the HTTP surface from spec.md §6: /health,
// /api/v1/models, /api/v1/pull, /api/v1/chat, /api/v1/task/{task_id}. It is
// grounded on the original's api/api.py (a FastAPI app with permissive CORS
// and a composed health check), translated into a plain net/http.ServeMux
// handler set in the style the registry/cmd/registry command uses to wire a
// server (config via small structs, errors wrapped with context).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vramdispatch/dispatcher/internal/coordstore"
	"github.com/vramdispatch/dispatcher/internal/mrc"
	"github.com/vramdispatch/dispatcher/internal/orchestrator"
	"github.com/vramdispatch/dispatcher/internal/telemetry"
)

// Server wires the HTTP handlers to the underlying collaborators.
type Server struct {
	client       mrc.Client
	store        coordstore.Store
	orchestrator *orchestrator.Orchestrator
	gpuIndex     int
	logger       telemetry.Logger
}

// Config carries Server's fixed knobs.
type Config struct {
	GPUIndex int
}

// NewServer constructs a Server.
func NewServer(client mrc.Client, store coordstore.Store, orch *orchestrator.Orchestrator, cfg Config, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{client: client, store: store, orchestrator: orch, gpuIndex: cfg.GPUIndex, logger: logger}
}

// Handler returns the full mux, with CORS applied to every route (spec.md
// §12 and the original's permissive CORSMiddleware: allow all origins,
// methods, headers).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.HandleFunc("POST /api/v1/pull", s.handlePull)
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/task/{task_id}", s.handleTaskStatus)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

// handleHealth composes an MRC reachability check and a CS ping, matching
// the original's health_check: both must succeed for a 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.client.List(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "fail", "reason": "model_runtime_unreachable",
		})
		return
	}
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "fail", "reason": "coordination_store_unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleModels lists every pulled model name (original's GET /api/v1/models).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.client.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("error connecting to model runtime: %v", err))
		return
	}
	names := make([]string, 0, len(models))
	for _, m := range models {
		names = append(names, m.Name)
	}
	writeJSON(w, http.StatusOK, names)
}

type pullRequestBody struct {
	ModelName string `json:"model_name"`
}

// handlePull downloads a model. Per SPEC_FULL §12 and the original's comment
// ("Progress streams needs SSE or WS"), it does not stream progress: the
// handler makes one synchronous, non-streamed Pull call and replies once the
// model runtime has answered it.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var body pullRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ModelName == "" {
		writeError(w, http.StatusBadRequest, "model_name is required")
		return
	}
	if err := s.client.Pull(r.Context(), body.ModelName); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to pull model: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("pulling model %q has started", body.ModelName),
	})
}

type chatRequestBody struct {
	Query     string `json:"query"`
	ModelName string `json:"model_name"`
	ChannelID string `json:"channel_id"`
}

// handleChat admits a chat request and hands it to the Orchestrator, mirroring
// the original's chat_endpoint (which dispatched to a Celery worker); here
// the dispatch is an in-process goroutine per spec.md §4.4 instead of a
// separate task queue process.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Query) == "" || body.ModelName == "" || body.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "query, model_name, and channel_id are required")
		return
	}

	taskID := uuid.NewString()
	req := orchestrator.Request{
		TaskID:    taskID,
		ChannelID: body.ChannelID,
		GPUIndex:  s.gpuIndex,
		Model:     body.ModelName,
		Messages:  []mrc.Message{{Role: "user", Content: body.Query}},
	}
	s.orchestrator.Submit(context.Background(), req)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "queued",
		"task_id":    taskID,
		"channel_id": body.ChannelID,
	})
}

// taskResult is the `result` object in spec.md §6's `{task_id, status,
// result|null}` contract: null until the task reaches a terminal state
// (SUCCESS or FAILURE), then carrying whatever detail that terminal state
// recorded (eviction set on success, failure reason on failure).
type taskResult struct {
	Offloaded []string `json:"offloaded,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// handleTaskStatus reports the Orchestrator's last recorded status for a
// task_id (original's GET /api/v1/task/{task_id}, adapted from Celery's
// AsyncResult polling to the Orchestrator's in-memory result cache).
// status is translated to spec.md §6's wire vocabulary (QUEUED,
// MANAGING_MODEL, STREAMING, SUCCESS, FAILURE, RETRY) via
// orchestrator.Status.Wire; result stays null until the task is terminal.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	result, ok := s.orchestrator.Result(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task_id")
		return
	}

	var res *taskResult
	if result.Status == orchestrator.StatusDone || result.Status == orchestrator.StatusFailed {
		res = &taskResult{Offloaded: result.Offloaded, Reason: result.Reason}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  result.Status.Wire(),
		"result":  res,
	})
}
