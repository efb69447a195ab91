package anthropic

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cannedMessage = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [
    {"type": "text", "text": "[\"my goals\", "},
    {"type": "text", "text": "\"things I want to achieve\"]"}
  ],
  "stop_reason": "end_turn",
  "stop_sequence": null,
  "usage": {"input_tokens": 12, "output_tokens": 9}
}`

func TestGenerateConcatenatesText(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(cannedMessage))
	}))
	defer srv.Close()

	g, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "claude-test"})
	require.NoError(t, err)

	out, err := g.Generate(context.Background(), "What are my goals?")
	require.NoError(t, err)
	assert.Equal(t, `["my goals", "things I want to achieve"]`, out)
	assert.Contains(t, body, "What are my goals?")
	assert.Contains(t, body, "claude-test")
}

func TestGenerateHonoursDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	g, err := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "claude-test"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, "q")
	require.Error(t, err)
}

func TestGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer srv.Close()

	g, err := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "nope"})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "q")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "claude API error"))
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
