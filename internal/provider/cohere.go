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
	"localrouter/pkg/logging"
)

// CohereProvider talks Cohere's v2 chat API. The v2 stream is a series
// of typed events (message-start, content-delta, message-end) rather
// than OpenAI-shaped chunks; the adapter flattens them into deltas.
type CohereProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCohere creates a provider for the Cohere API.
func NewCohere(apiKey, baseURL string) *CohereProvider {
	if baseURL == "" {
		baseURL = "https://api.cohere.com"
	}
	return &CohereProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(),
	}
}

// ID implements Provider.
func (p *CohereProvider) ID() string { return "cohere" }

type cohereChatRequest struct {
	Model          string            `json:"model"`
	Messages       []api.ChatMessage `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	P              *float64          `json:"p,omitempty"`
	StopSequences  []string          `json:"stop_sequences,omitempty"`
	Stream         bool              `json:"stream"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type cohereUsage struct {
	BilledUnits struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"billed_units"`
}

func (u *cohereUsage) toTokenUsage() api.TokenUsage {
	return api.TokenUsage{
		PromptTokens:     u.BilledUnits.InputTokens,
		CompletionTokens: u.BilledUnits.OutputTokens,
		TotalTokens:      u.BilledUnits.InputTokens + u.BilledUnits.OutputTokens,
	}
}

func (p *CohereProvider) buildRequest(req api.CompletionRequest, stream bool) cohereChatRequest {
	out := cohereChatRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		P:             req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "text" {
		out.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	return out
}

func (p *CohereProvider) post(ctx context.Context, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to encode cohere request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/chat", bytes.NewReader(body))
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create cohere request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError("cohere", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError("cohere", resp)
	}
	return resp, nil
}

// Complete implements Provider.
func (p *CohereProvider) Complete(ctx context.Context, req api.CompletionRequest) (*api.CompletionResponse, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		ID      string `json:"id"`
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
		FinishReason string       `json:"finish_reason"`
		Usage        *cohereUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode cohere response")
	}

	var content strings.Builder
	for _, block := range parsed.Message.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	out := &api.CompletionResponse{
		ID:           parsed.ID,
		Model:        req.Model,
		Content:      content.String(),
		FinishReason: normalizeCohereFinish(parsed.FinishReason),
	}
	if parsed.Usage != nil {
		out.Usage = parsed.Usage.toTokenUsage()
	}
	return out, nil
}

func normalizeCohereFinish(reason string) string {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return "length"
	case "", "COMPLETE":
		return "stop"
	default:
		return strings.ToLower(reason)
	}
}

// cohereStreamEvent is one typed v2 stream event.
type cohereStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Message struct {
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
		FinishReason string       `json:"finish_reason"`
		Usage        *cohereUsage `json:"usage"`
	} `json:"delta"`
}

// StreamComplete implements Provider.
func (p *CohereProvider) StreamComplete(ctx context.Context, req api.CompletionRequest) (<-chan api.ChunkEvent, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan api.ChunkEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var event cohereStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				logging.Warn("Provider", "cohere: skipping malformed stream event: %v", err)
				continue
			}

			switch event.Type {
			case "content-delta":
				select {
				case ch <- api.ChunkEvent{Delta: event.Delta.Message.Content.Text}:
				case <-ctx.Done():
					return
				}
			case "message-end":
				out := api.ChunkEvent{FinishReason: normalizeCohereFinish(event.Delta.FinishReason)}
				if event.Delta.Usage != nil {
					usage := event.Delta.Usage.toTokenUsage()
					out.Usage = &usage
				}
				select {
				case ch <- out:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- api.ChunkEvent{Err: api.WrapError(api.ErrKindProvider, err, "cohere stream read failed")}
		}
	}()
	return ch, nil
}

// Embeddings implements Provider via /v2/embed.
func (p *CohereProvider) Embeddings(ctx context.Context, req api.EmbeddingsRequest) (*api.EmbeddingsResponse, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model":           req.Model,
		"texts":           req.Input,
		"input_type":      "search_document",
		"embedding_types": []string{"float"},
	})
	if err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to encode cohere embed request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/embed", bytes.NewReader(body))
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create cohere embed request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "cohere embed request failed")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError("cohere", resp)
	}
	defer resp.Body.Close()

	var parsed struct {
		Embeddings struct {
			Float [][]float32 `json:"float"`
		} `json:"embeddings"`
		Meta struct {
			BilledUnits struct {
				InputTokens int `json:"input_tokens"`
			} `json:"billed_units"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode cohere embeddings")
	}
	return &api.EmbeddingsResponse{
		Model:      req.Model,
		Embeddings: parsed.Embeddings.Float,
		Usage: api.TokenUsage{
			PromptTokens: parsed.Meta.BilledUnits.InputTokens,
			TotalTokens:  parsed.Meta.BilledUnits.InputTokens,
		},
	}, nil
}

// ListModels implements Provider.
func (p *CohereProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models?endpoint=chat", nil)
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create cohere models request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "cohere models request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, api.NewError(api.ErrKindProvider, "cohere models returned %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode cohere models")
	}
	models := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

// Health implements Provider.
func (p *CohereProvider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err
}
