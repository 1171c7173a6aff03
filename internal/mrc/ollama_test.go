package mrc_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vramdispatch/dispatcher/internal/mrc"
)

func TestOllamaClientListParsesTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3","size":4700000000}]}`))
	}))
	defer srv.Close()

	client := mrc.NewOllamaClient(srv.URL, nil)
	models, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "llama3", models[0].Name)
	require.Equal(t, uint64(4700000000), models[0].SizeBytes)
}

func TestOllamaClientChatStreamsChunksThenEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		flusher, _ := w.(http.Flusher)
		lines := []string{
			`{"message":{"role":"assistant","content":"hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
		}
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	client := mrc.NewOllamaClient(srv.URL, nil)
	stream, err := client.Chat(context.Background(), "llama3", []mrc.Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer stream.Close()

	var got string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got += chunk.Content
	}
	require.Equal(t, "hello", got)
}

func TestOllamaClientChatPropagatesRuntimeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model requires more system memory"}` + "\n"))
	}))
	defer srv.Close()

	client := mrc.NewOllamaClient(srv.URL, nil)
	stream, err := client.Chat(context.Background(), "llama3", nil)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.Error(t, err)
}
