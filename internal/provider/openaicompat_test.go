package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"localrouter/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAICompatComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req oaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)

		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"message": {"content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12,
				"prompt_tokens_details": {"cached_tokens": 4}}
		}`)
	}))
	defer server.Close()

	p := NewOpenAICompat("openai", "sk-test", server.URL)
	resp, err := p.Complete(context.Background(), api.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []api.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 9, resp.Usage.PromptTokens)
	// Provider-specific cached token reporting surfaces through the
	// uniform TokenUsage.
	assert.Equal(t, 4, resp.Usage.CachedPromptTokens)
}

func TestOpenAICompatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req oaiChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p := NewOpenAICompat("openai", "sk-test", server.URL)
	ch, err := p.StreamComplete(context.Background(), api.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []api.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	require.NoError(t, err)

	deltas, finish, usage := collectStream(t, ch)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "stop", finish)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestOpenAICompat_RateLimitPreservesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "slow down"}}`)
	}))
	defer server.Close()

	p := NewOpenAICompat("openai", "sk-test", server.URL)
	_, err := p.Complete(context.Background(), api.CompletionRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.Equal(t, api.ErrKindRateLimitExceeded, api.KindOf(err))
	assert.Equal(t, 17*time.Second, api.RetryAfterOf(err))
}

func TestOpenAICompat_ClientErrorIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": {"message": "bad request"}}`)
	}))
	defer server.Close()

	p := NewOpenAICompat("openai", "sk-test", server.URL)
	_, err := p.Complete(context.Background(), api.CompletionRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.False(t, isRetryable(err))
}

func TestOpenAICompat_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := NewOpenAICompat("openai", "sk-test", server.URL)
	_, err := p.Complete(context.Background(), api.CompletionRequest{Model: "gpt-4o-mini"})
	require.Error(t, err)
	assert.True(t, isRetryable(err))
	assert.Equal(t, api.ErrKindProvider, api.KindOf(err))
}

func TestNewOpenRouter_BaseURL(t *testing.T) {
	p := NewOpenRouter("sk-or")
	assert.Equal(t, "openrouter", p.ID())
	assert.True(t, strings.HasPrefix(p.baseURL, "https://openrouter.ai/"))
}
