package stream

import (
	"context"
	"sync"

	"goa.design/pulse/streaming"

	"github.com/vramdispatch/dispatcher/internal/pulseclient"
)

// fakeClient is an in-memory pulseclient.Client for tests, following the
// teacher's hand-written test-double convention (fakeClient/fakeSink in
// features/stream/pulse) rather than a mocking framework.
type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string) (pulseclient.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	mu    sync.Mutex
	id    int
	sinks []*fakeSink
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id++
	evt := &streaming.Event{Payload: append([]byte(nil), payload...)}
	for _, sink := range s.sinks {
		sink.deliver(evt)
	}
	return "fake-id", nil
}

func (s *fakeStream) NewSink(context.Context, string) (pulseclient.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := &fakeSink{ch: make(chan *streaming.Event, 64)}
	s.sinks = append(s.sinks, sink)
	return sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	mu     sync.Mutex
	ch     chan *streaming.Event
	closed bool
}

func (s *fakeSink) deliver(evt *streaming.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- evt
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(context.Context, *streaming.Event) error { return nil }

func (s *fakeSink) Close(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
