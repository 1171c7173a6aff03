// Package mrc defines the Model Runtime Client (MRC) contract from spec.md
// §2.3: an opaque interface exposing list(), ps(), generate(model, prompt,
// keep_alive), and chat(model, messages, stream=true). The core treats MRC as
// an external collaborator; this package gives it a concrete shape so the
// Planner and Orchestrator can be written against an interface instead of a
// package-level global client (spec.md §9: "replace with a
// dependency-injected handle created at program start").
package mrc

import (
	"context"
	"errors"
)

// ModelInfo describes one model as MRC reports it, unifying list()'s pulled
// models and ps()'s resident models. SizeVRAMBytes is zero for a pulled
// (non-resident) model; for a resident model it is the actual VRAM footprint,
// which is what the Planner must use for offload/residency math (spec.md §3
// ResidentModel; SPEC_FULL §12 on the size_bytes vs size_vram_bytes
// distinction the original conflated).
type ModelInfo struct {
	Name          string
	SizeBytes     uint64
	SizeVRAMBytes uint64
}

// KeepAlive values mirror the Ollama-style generate() contract in spec.md
// §2.3: Pin forces a model to stay resident, Evict releases it immediately.
const (
	KeepAlivePin   = -1
	KeepAliveEvict = 0
)

// Chunk is one piece of assistant-generated content from a Chat stream.
// Content may be empty; the Streaming Relay forwards only non-empty chunks
// (spec.md §4.5).
type Chunk struct {
	Content string
}

// Streamer iterates a Chat response. Recv returns io.EOF when the model has
// finished generating normally. The shape (Recv/Close) mirrors the teacher's
// model.Streamer / anthropicStreamer contract in
// features/model/anthropic/stream.go, adapted to Ollama-style chat streaming.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Message is one chat turn, matching spec.md §2.3's
// chat(model, messages, stream=true).
type Message struct {
	Role    string
	Content string
}

// Client is the MRC contract. Implementations talk to the actual model
// runtime (e.g. an Ollama-compatible HTTP API); tests use an in-memory Fake.
type Client interface {
	// List returns every pulled model with its on-disk size.
	List(ctx context.Context) ([]ModelInfo, error)
	// Ps returns every currently resident model with its size and VRAM
	// footprint.
	Ps(ctx context.Context) ([]ModelInfo, error)
	// Generate issues a no-op generation used purely for residency control:
	// keepAlive=KeepAlivePin pins model resident, keepAlive=KeepAliveEvict
	// releases it. Idempotent (spec.md §4.4: "pinning a resident model is a
	// no-op, offloading a non-resident model is a no-op").
	Generate(ctx context.Context, model string, keepAlive int) error
	// Pull starts downloading model from the runtime's model hub.
	Pull(ctx context.Context, model string) error
	// Chat opens a streaming chat completion against model.
	Chat(ctx context.Context, model string, messages []Message) (Streamer, error)
}

// ErrModelNotFound is returned when a requested model is absent from
// List()'s result set (spec.md §7's "unknown model" permanent error case).
var ErrModelNotFound = errors.New("model not found")
