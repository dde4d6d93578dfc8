package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"localrouter/internal/api"
)

// DefaultOllamaBaseURL is the default address of a local Ollama server.
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider talks Ollama's native API: newline-delimited JSON on
// /api/chat. Some Ollama builds emit cumulative message content rather
// than deltas; the stream adapter diffs each chunk against the content
// prefix already emitted so downstream always sees deltas.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates a provider for the Ollama server at baseURL.
func NewOllama(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(),
	}
}

// ID implements Provider.
func (p *OllamaProvider) ID() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []api.ChatMessage      `json:"messages"`
	Stream   bool                   `json:"stream"`
	Format   string                 `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func (p *OllamaProvider) buildRequest(req api.CompletionRequest, stream bool) ollamaChatRequest {
	out := ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "text" {
		out.Format = "json"
	}
	options := map[string]interface{}{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}
	if len(options) > 0 {
		out.Options = options
	}
	return out
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to encode ollama request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create ollama request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError("ollama", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError("ollama", resp)
	}
	return resp, nil
}

func finishReasonFromOllama(doneReason string) string {
	switch doneReason {
	case "length":
		return "length"
	default:
		return "stop"
	}
}

// Complete implements Provider.
func (p *OllamaProvider) Complete(ctx context.Context, req api.CompletionRequest) (*api.CompletionResponse, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode ollama response")
	}

	return &api.CompletionResponse{
		Model:        parsed.Model,
		Content:      parsed.Message.Content,
		FinishReason: finishReasonFromOllama(parsed.DoneReason),
		Usage: api.TokenUsage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
	}, nil
}

// StreamComplete implements Provider. Chunks whose message content is
// cumulative (each chunk repeats everything emitted so far) are
// converted to deltas by diffing against the last emitted prefix.
func (p *OllamaProvider) StreamComplete(ctx context.Context, req api.CompletionRequest) (<-chan api.ChunkEvent, error) {
	resp, err := p.post(ctx, "/api/chat", p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan api.ChunkEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		diff := newCumulativeDiffer()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				select {
				case ch <- api.ChunkEvent{Err: api.WrapError(api.ErrKindSerialization, err, "malformed ollama chunk")}:
				case <-ctx.Done():
				}
				return
			}

			event := api.ChunkEvent{Delta: diff.Delta(chunk.Message.Content)}
			if chunk.Done {
				event.FinishReason = finishReasonFromOllama(chunk.DoneReason)
				usage := api.TokenUsage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
				event.Usage = &usage
			}
			if event.Delta == "" && event.FinishReason == "" {
				continue
			}

			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- api.ChunkEvent{Err: api.WrapError(api.ErrKindProvider, err, "ollama stream read failed")}
		}
	}()
	return ch, nil
}

// Embeddings implements Provider via Ollama's native /api/embed.
func (p *OllamaProvider) Embeddings(ctx context.Context, req api.EmbeddingsRequest) (*api.EmbeddingsResponse, error) {
	payload := map[string]interface{}{
		"model": req.Model,
		"input": req.Input,
	}
	resp, err := p.post(ctx, "/api/embed", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Model           string      `json:"model"`
		Embeddings      [][]float32 `json:"embeddings"`
		PromptEvalCount int         `json:"prompt_eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode ollama embeddings")
	}
	return &api.EmbeddingsResponse{
		Model:      parsed.Model,
		Embeddings: parsed.Embeddings,
		Usage: api.TokenUsage{
			PromptTokens: parsed.PromptEvalCount,
			TotalTokens:  parsed.PromptEvalCount,
		},
	}, nil
}

// ListModels implements Provider via /api/tags.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create ollama request")
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "ollama tags request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, api.NewError(api.ErrKindProvider, "ollama tags returned %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode ollama tags")
	}
	models := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// Health implements Provider.
func (p *OllamaProvider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err
}
