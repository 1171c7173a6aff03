package mrc

import (
	"context"
	"io"
)

var _ Client = (*Fake)(nil)

// Fake is a scripted Client for tests. Each field is consulted directly;
// callers set up whatever responses a test scenario needs.
type Fake struct {
	Models    []ModelInfo
	Resident  []ModelInfo
	ListErr   error
	PsErr     error
	GenErr    error
	PullErr   error
	ChatErr   error
	ChatChunks []Chunk

	GenerateCalls []GenerateCall
	PullCalls     []string
}

// GenerateCall records one Generate invocation for assertions.
type GenerateCall struct {
	Model     string
	KeepAlive int
}

func (f *Fake) List(context.Context) ([]ModelInfo, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return f.Models, nil
}

func (f *Fake) Ps(context.Context) ([]ModelInfo, error) {
	if f.PsErr != nil {
		return nil, f.PsErr
	}
	return f.Resident, nil
}

func (f *Fake) Generate(_ context.Context, model string, keepAlive int) error {
	f.GenerateCalls = append(f.GenerateCalls, GenerateCall{Model: model, KeepAlive: keepAlive})
	return f.GenErr
}

func (f *Fake) Pull(_ context.Context, model string) error {
	f.PullCalls = append(f.PullCalls, model)
	return f.PullErr
}

func (f *Fake) Chat(context.Context, string, []Message) (Streamer, error) {
	if f.ChatErr != nil {
		return nil, f.ChatErr
	}
	return &fakeStreamer{chunks: append([]Chunk(nil), f.ChatChunks...)}, nil
}

// fakeStreamer replays a scripted chunk sequence then returns io.EOF.
type fakeStreamer struct {
	chunks []Chunk
	pos    int
	closed bool
}

func (s *fakeStreamer) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStreamer) Close() error {
	s.closed = true
	return nil
}
