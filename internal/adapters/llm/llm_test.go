package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProvider_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "describe this", req.Messages[0].Content)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"a slide"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL+"/v1/", "sk-test", "")
	out, err := p.GenerateText(context.Background(), "describe this")
	require.NoError(t, err)
	assert.Equal(t, "a slide", out)
}

func TestOpenAIProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			_, _ = w.Write([]byte(`{"choices":[]}`))
			return
		}
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "key", "m").GenerateText(context.Background(), "x")
	assert.ErrorContains(t, err, "429")

	_, err = NewOpenAIProvider(srv.URL, "", "m").GenerateText(context.Background(), "x")
	assert.ErrorContains(t, err, "no choices")
}

func TestOllamaProvider_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, chatMessage{Role: "user", Content: "hi"}, req.Messages[0])
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hello"},"done":true}`))
	}))
	defer srv.Close()

	out, err := NewOllamaProvider(srv.URL+"/", "llama3").GenerateText(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestOllamaProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"error field", http.StatusNotFound, `{"error":"model 'x' not found"}`, "ollama returned status 404: model 'x' not found"},
		{"plain body", http.StatusBadGateway, "upstream down\n", "ollama returned status 502: upstream down"},
		{"empty message", http.StatusOK, `{"message":{"role":"assistant","content":""},"done":true}`, "empty message"},
		{"bad json", http.StatusOK, `{"message":`, "failed to decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewOllamaProvider(srv.URL, "").GenerateText(context.Background(), "hi")
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestOpenAIProvider_ErrorMessageFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "bad", "").GenerateText(context.Background(), "x")
	assert.EqualError(t, err, "openai returned status 401: Incorrect API key provided")
}
