// Package pulseclient is a thin wrapper around goa.design/pulse streams,
// adapted from features/stream/pulse/clients/pulse/client.go: callers build a
// Redis client, pass it to New, and get back a small typed interface instead
// of the full Pulse streaming API surface.
package pulseclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Options configures the Pulse client.
type Options struct {
	// Redis is the Redis connection backing Pulse streams. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries retained per stream; zero
	// uses Pulse's default.
	StreamMaxLen int
	// OperationTimeout bounds individual Add calls; zero means no timeout.
	OperationTimeout time.Duration
}

// Client exposes the subset of Pulse needed by the Streaming Relay.
type Client interface {
	Stream(name string) (Stream, error)
	Close(ctx context.Context) error
}

// Stream publishes events and opens sinks (consumer groups) on one Pulse
// stream.
type Stream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
	NewSink(ctx context.Context, name string) (Sink, error)
	Destroy(ctx context.Context) error
}

// Sink reads events from a Pulse consumer group.
type Sink interface {
	Subscribe() <-chan *streaming.Event
	Ack(context.Context, *streaming.Event) error
	Close(context.Context)
}

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	s, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulseclient: create stream %s: %w", name, err)
	}
	return &handle{stream: s, timeout: c.timeout}, nil
}

// Close is a no-op: the Redis connection lifecycle belongs to the caller.
func (c *client) Close(context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulseclient: add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string) (Sink, error) {
	s, err := h.stream.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("pulseclient: new sink: %w", err)
	}
	return sinkAdapter{s}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
