package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"localrouter/internal/api"
	"localrouter/internal/apikeys"
	"localrouter/internal/catalog"
	"localrouter/internal/config"
	"localrouter/internal/keychain"
	"localrouter/internal/provider"
	"localrouter/internal/ratelimit"
	"localrouter/internal/router"
	"localrouter/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

// newTestStack wires real subsystems against a mock OpenAI-compatible
// upstream and returns the HTTP handler plus a fresh API key secret.
func newTestStack(t *testing.T, upstreamURL string) (http.Handler, string, *apikeys.Store) {
	t.Helper()
	t.Cleanup(api.ResetForTest)

	catalog.NewAdapter(catalog.New()).Register()

	registry := provider.NewRegistry()
	registry.SetProviders(map[string]provider.Provider{
		"openai": provider.NewOpenAICompat("openai", "sk-upstream", upstreamURL),
	})
	registry.Register()

	keyStore, err := apikeys.NewStore(t.TempDir(), keychain.NewMemoryStorage())
	require.NoError(t, err)
	keyStore.Register()

	limiter := ratelimit.NewLimiter(func(string) ratelimit.Limits {
		return ratelimit.Limits{TokensPerMinute: 100000, MaxConcurrent: 8}
	})
	limiter.Register()

	router.New([]config.RouterConfig{}).Register()
	tracker.New(100, noop.NewMeterProvider().Meter("test")).Register()

	_, secret, err := keyStore.Create("alpha", api.ModelSelection{
		Direct: &api.DirectModel{Provider: "openai", Model: "gpt-4o-mini"},
	}, nil)
	require.NoError(t, err)

	srv := New(Options{KeyStore: keyStore})
	return srv.Router(), secret, keyStore
}

func mockUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "gpt-4o-mini"}},
			})
			return
		}

		var req struct {
			Stream bool `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, c := range []string{
				`{"choices":[{"delta":{"content":"Hello"}}]}`,
				`{"choices":[{"delta":{"content":" world"}}]}`,
				`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
			} {
				fmt.Fprintf(w, "data: %s\n\n", c)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":    "chatcmpl-up",
			"model": "gpt-4o-mini",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "Hello world"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
}

func doJSON(t *testing.T, handler http.Handler, method, path, bearer string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestChatCompletions_KeyCreationAndUse(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, secret, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodPost, "/v1/chat/completions", secret,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	assert.Greater(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, 0)

	// The generation is retrievable and priced per the catalog.
	rec := api.GetTracker().List(1)
	require.Len(t, rec, 1)
	assert.InDelta(t, 3*0.00000015+2*0.0000006, rec[0].Cost, 1e-12)

	w = doJSON(t, handler, http.MethodGet, "/v1/generation?id="+rec[0].ID, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var details GenerationDetailsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &details))
	assert.Equal(t, rec[0].ID, details.Data.ID)
}

func TestChatCompletions_AuthFailures(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, secret, keyStore := newTestStack(t, upstream.URL)

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`

	tests := []struct {
		name   string
		bearer string
	}{
		{"missing header", ""},
		{"unknown key", "lr-unknown"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := doJSON(t, handler, http.MethodPost, "/v1/chat/completions", test.bearer, body)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var errResp api.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
			assert.Equal(t, api.ErrKindUnauthorized, errResp.Error.Type)
		})
	}

	// A disabled key authenticates exactly like an absent one.
	records := keyStore.List()
	require.Len(t, records, 1)
	_, err := keyStore.Update(records[0].ID, func(r *apikeys.Record) { r.Enabled = false })
	require.NoError(t, err)

	w := doJSON(t, handler, http.MethodPost, "/v1/chat/completions", secret, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatCompletions_Streaming(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, secret, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodPost, "/v1/chat/completions", secret,
		`{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	var deltas []string
	sawDone := false
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			sawDone = true
			break
		}
		var chunk chatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(data), &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk.Object)
		if len(chunk.Choices) > 0 {
			deltas = append(deltas, chunk.Choices[0].Delta.Content)
		}
	}
	assert.True(t, sawDone, "stream must terminate with [DONE]")

	// Streamed concatenation equals the buffered content for the same
	// mock upstream.
	assert.Equal(t, "Hello world", strings.Join(deltas, ""))
}

func TestCompletions_LegacySurface(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, secret, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodPost, "/v1/completions", secret,
		`{"model":"gpt-4o-mini","prompt":"say hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "text_completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello world", resp.Choices[0].Text)
}

func TestGeneration_NotFound(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, _, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodGet, "/v1/generation?id=gen-missing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	var errResp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Equal(t, api.ErrKindNotFound, errResp.Error.Type)
}

func TestAdmin_KeyLifecycle(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, _, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodPost, "/admin/keys", "",
		`{"name":"beta","selection":{"direct":{"provider":"openai","model":"gpt-4o-mini"}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created createKeyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Secret, "lr-"))

	// The new key authenticates immediately.
	w = doJSON(t, handler, http.MethodPost, "/v1/chat/completions", created.Secret,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusOK, w.Code)

	// And stops working once deleted.
	w = doJSON(t, handler, http.MethodDelete, "/admin/keys/"+created.Key.ID, "", "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/v1/chat/completions", created.Secret,
		`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, secret, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodPost, "/v1/chat/completions", secret, `{"model":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, handler, http.MethodPost, "/v1/chat/completions", secret,
		`{"model":"gpt-4o-mini","messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStopSequences_Unmarshal(t *testing.T) {
	var req chatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"stop":"END"}`), &req))
	assert.Equal(t, stopSequences{"END"}, req.Stop)

	require.NoError(t, json.Unmarshal([]byte(`{"stop":["a","b"]}`), &req))
	assert.Equal(t, stopSequences{"a", "b"}, req.Stop)

	var emb embeddingsRequest
	require.NoError(t, json.Unmarshal([]byte(`{"input":"just one"}`), &emb))
	assert.Equal(t, inputStrings{"just one"}, emb.Input)
}

func TestAdmin_CreateKeyValidatesSelection(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, _, _ := newTestStack(t, upstream.URL)

	tests := []struct {
		name string
		body string
	}{
		{"unknown provider", `{"name":"x","selection":{"direct":{"provider":"nope","model":"gpt-4o-mini"}}}`},
		{"unknown model", `{"name":"x","selection":{"direct":{"provider":"openai","model":"made-up"}}}`},
		{"unknown router", `{"name":"x","selection":{"router":{"name":"ghost"}}}`},
		{"empty selection", `{"name":"x","selection":{}}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := doJSON(t, handler, http.MethodPost, "/admin/keys", "", test.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestAdmin_Health(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, _, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodGet, "/admin/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		Providers map[string]string `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Contains(t, health.Providers, "openai")
}

func TestModels_MergesCatalogMetadata(t *testing.T) {
	upstream := mockUpstream(t)
	defer upstream.Close()
	handler, _, _ := newTestStack(t, upstream.URL)

	w := doJSON(t, handler, http.MethodGet, "/v1/models", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var list modelList
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "gpt-4o-mini", list.Data[0].ID)
	assert.Equal(t, "openai", list.Data[0].OwnedBy)
	// Created comes from the catalog merge, not the provider listing.
	assert.NotZero(t, list.Data[0].Created)
}
