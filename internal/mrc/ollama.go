package mrc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient implements Client against an Ollama-compatible HTTP API,
// the Go equivalent of the original's utils/manage_models.py ollama_client
// wrapper (list -> GET /api/tags, ps -> GET /api/ps, generate ->
// POST /api/generate, chat -> POST /api/chat with stream=true).
type OllamaClient struct {
	baseURL string
	http    *http.Client
}

// NewOllamaClient constructs a Client talking to baseURL (e.g.
// "http://localhost:11434", spec.md §6's OLLAMA_HOST default).
func NewOllamaClient(baseURL string, httpClient *http.Client) *OllamaClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OllamaClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

var _ Client = (*OllamaClient)(nil)

type tagsResponse struct {
	Models []tagModel `json:"models"`
}

type tagModel struct {
	Name  string `json:"name"`
	Size  uint64 `json:"size"`
	Model string `json:"model"`
}

type psResponse struct {
	Models []psModel `json:"models"`
}

type psModel struct {
	Name    string `json:"name"`
	Size    uint64 `json:"size"`
	SizeVRAM uint64 `json:"size_vram"`
}

// List returns every pulled model via GET /api/tags.
func (c *OllamaClient) List(ctx context.Context) ([]ModelInfo, error) {
	var resp tagsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/tags", nil, &resp); err != nil {
		return nil, fmt.Errorf("mrc: list: %w", err)
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.Name, SizeBytes: m.Size})
	}
	return out, nil
}

// Ps returns every resident model via GET /api/ps.
func (c *OllamaClient) Ps(ctx context.Context) ([]ModelInfo, error) {
	var resp psResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/ps", nil, &resp); err != nil {
		return nil, fmt.Errorf("mrc: ps: %w", err)
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.Name, SizeBytes: m.Size, SizeVRAMBytes: m.SizeVRAM})
	}
	return out, nil
}

type generateRequest struct {
	Model     string `json:"model"`
	KeepAlive int    `json:"keep_alive"`
	Stream    bool   `json:"stream"`
}

// Generate issues a residency-control generate call with an empty prompt;
// Ollama treats this as a pure keep_alive update without running inference,
// matching manage_models.py's use of generate() purely to pin/evict.
func (c *OllamaClient) Generate(ctx context.Context, model string, keepAlive int) error {
	req := generateRequest{Model: model, KeepAlive: keepAlive, Stream: false}
	if err := c.doJSON(ctx, http.MethodPost, "/api/generate", req, nil); err != nil {
		return fmt.Errorf("mrc: generate %s: %w", model, err)
	}
	return nil
}

type pullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Pull downloads a model via POST /api/pull with stream=false, so the runtime
// sends no progress lines and Pull returns once the runtime has sent its
// single reply (SPEC_FULL §12).
func (c *OllamaClient) Pull(ctx context.Context, model string) error {
	req := pullRequest{Model: model, Stream: false}
	if err := c.doJSON(ctx, http.MethodPost, "/api/pull", req, nil); err != nil {
		return fmt.Errorf("mrc: pull %s: %w", model, err)
	}
	return nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatStreamLine struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`
}

// Chat opens a streaming chat completion via POST /api/chat, newline
// delimited JSON objects terminated by a line with "done": true. Only
// establishing the connection is retried (defaultRetryConfig); once the
// response body starts streaming, transport errors surface through
// Streamer.Recv instead, since the stream itself is not resumable mid-flight.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message) (Streamer, error) {
	msgs := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("mrc: chat: encode request: %w", err)
	}

	var respBody io.ReadCloser
	connectErr := doRetry(ctx, defaultRetryConfig(), func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return &httpStatusError{StatusCode: resp.StatusCode}
		}
		respBody = resp.Body
		return nil
	})
	if connectErr != nil {
		return nil, fmt.Errorf("mrc: chat: %w", connectErr)
	}
	return newNDJSONStreamer(ctx, respBody), nil
}

// doJSON issues one request, retrying transient failures (network errors,
// 429/502/503/504) per defaultRetryConfig; a freshly marshaled body is safe
// to resend on every attempt since none of doJSON's callers stream a
// request body.
func (c *OllamaClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var encoded []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		encoded = b
	}

	return doRetry(ctx, defaultRetryConfig(), func(ctx context.Context) error {
		var bodyReader io.Reader
		if encoded != nil {
			bodyReader = bytes.NewReader(encoded)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if encoded != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{StatusCode: resp.StatusCode}
		}
		if respBody == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(respBody)
	})
}

// ndjsonStreamer adapts an Ollama chat response body (newline-delimited JSON
// objects) to the Streamer interface, following the same cancel+channel
// shape as the teacher's anthropicStreamer in
// features/model/anthropic/stream.go, adapted from SSE events to NDJSON
// lines since Ollama's wire format has no event framing of its own.
type ndjsonStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser

	chunks chan Chunk
	errCh  chan error
}

func newNDJSONStreamer(ctx context.Context, body io.ReadCloser) *ndjsonStreamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &ndjsonStreamer{
		ctx:    cctx,
		cancel: cancel,
		body:   body,
		chunks: make(chan Chunk, 32),
		errCh:  make(chan error, 1),
	}
	go s.run()
	return s
}

func (s *ndjsonStreamer) run() {
	defer close(s.chunks)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-s.ctx.Done():
			s.errCh <- s.ctx.Err()
			return
		default:
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var parsed chatStreamLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			s.errCh <- fmt.Errorf("mrc: chat: decode stream line: %w", err)
			return
		}
		if parsed.Error != "" {
			s.errCh <- fmt.Errorf("mrc: chat: runtime error: %s", parsed.Error)
			return
		}
		if parsed.Message.Content != "" {
			select {
			case s.chunks <- Chunk{Content: parsed.Message.Content}:
			case <-s.ctx.Done():
				s.errCh <- s.ctx.Err()
				return
			}
		}
		if parsed.Done {
			s.errCh <- io.EOF
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.errCh <- err
		return
	}
	s.errCh <- io.EOF
}

func (s *ndjsonStreamer) Recv() (Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		return Chunk{}, <-s.errCh
	case <-s.ctx.Done():
		return Chunk{}, s.ctx.Err()
	}
}

func (s *ndjsonStreamer) Close() error {
	s.cancel()
	return s.body.Close()
}
