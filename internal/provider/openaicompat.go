package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"localrouter/internal/api"
	"localrouter/pkg/logging"
)

// OpenAICompatProvider talks the OpenAI chat-completions wire protocol.
// It serves both api.openai.com and OpenAI-compatible gateways such as
// OpenRouter; only the base URL and identifier differ.
type OpenAICompatProvider struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAICompat creates a provider for an OpenAI-compatible endpoint.
// An empty baseURL defaults to api.openai.com.
func NewOpenAICompat(id, apiKey, baseURL string) *OpenAICompatProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompatProvider{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(),
	}
}

// NewOpenRouter creates the OpenRouter variant.
func NewOpenRouter(apiKey string) *OpenAICompatProvider {
	return NewOpenAICompat("openrouter", apiKey, "https://openrouter.ai/api/v1")
}

// newHTTPClient builds a client with transport-level timeouts but no
// total timeout: long generations must not be killed mid-stream, and
// cancellation comes from the request context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 300 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// ID implements Provider.
func (p *OpenAICompatProvider) ID() string { return p.id }

// Wire types for the chat-completions endpoint.

type oaiChatRequest struct {
	Model          string              `json:"model"`
	Messages       []api.ChatMessage   `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	Temperature    *float64            `json:"temperature,omitempty"`
	TopP           *float64            `json:"top_p,omitempty"`
	Stop           []string            `json:"stop,omitempty"`
	Stream         bool                `json:"stream,omitempty"`
	StreamOptions  *oaiStreamOpts      `json:"stream_options,omitempty"`
	ResponseFormat *api.ResponseFormat `json:"response_format,omitempty"`
	Logprobs       bool                `json:"logprobs,omitempty"`
	TopLogprobs    int                 `json:"top_logprobs,omitempty"`
	User           string              `json:"user,omitempty"`
}

type oaiStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (u *oaiUsage) toTokenUsage() api.TokenUsage {
	usage := api.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CachedPromptTokens = u.PromptTokensDetails.CachedTokens
	}
	return usage
}

type oaiChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string      `json:"finish_reason"`
		Logprobs     interface{} `json:"logprobs"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

type oaiChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

func (p *OpenAICompatProvider) buildRequest(req api.CompletionRequest, stream bool) oaiChatRequest {
	out := oaiChatRequest{
		Model:          req.Model,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stop:           req.Stop,
		Stream:         stream,
		ResponseFormat: req.ResponseFormat,
		Logprobs:       req.Logprobs,
		TopLogprobs:    req.TopLogprobs,
		User:           req.User,
	}
	if stream {
		// Ask for a usage frame on the final chunk.
		out.StreamOptions = &oaiStreamOpts{IncludeUsage: true}
	}
	return out
}

func (p *OpenAICompatProvider) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to encode %s request", p.id)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create %s request", p.id)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(p.id, err)
	}
	return resp, nil
}

// upstreamError converts a non-2xx response into an api.Error,
// preserving Retry-After on 429s. The body is consumed.
func upstreamError(providerID string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		err := api.NewError(api.ErrKindRateLimitExceeded, "%s: %s", providerID, msg)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, parseErr := strconv.Atoi(ra); parseErr == nil {
				err.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return err
	}

	err := api.NewError(api.ErrKindProvider, "%s returned %d: %s", providerID, resp.StatusCode, msg)
	if resp.StatusCode >= 500 {
		err.Err = errRetryable
	}
	return err
}

// Complete implements Provider.
func (p *OpenAICompatProvider) Complete(ctx context.Context, req api.CompletionRequest) (*api.CompletionResponse, error) {
	resp, err := p.post(ctx, "/chat/completions", p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(p.id, resp)
	}
	defer resp.Body.Close()

	var parsed oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode %s response", p.id)
	}
	if len(parsed.Choices) == 0 {
		return nil, api.NewError(api.ErrKindProvider, "%s returned no choices", p.id)
	}

	choice := parsed.Choices[0]
	out := &api.CompletionResponse{
		ID:           parsed.ID,
		Model:        parsed.Model,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Logprobs:     choice.Logprobs,
	}
	if parsed.Usage != nil {
		out.Usage = parsed.Usage.toTokenUsage()
	}
	return out, nil
}

// StreamComplete implements Provider. The response is an SSE stream of
// chat.completion.chunk objects terminated by "data: [DONE]".
func (p *OpenAICompatProvider) StreamComplete(ctx context.Context, req api.CompletionRequest) (<-chan api.ChunkEvent, error) {
	resp, err := p.post(ctx, "/chat/completions", p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(p.id, resp)
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
			if data == "[DONE]" {
				return
			}

			var chunk oaiChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				logging.Warn("Provider", "%s: skipping malformed stream chunk: %v", p.id, err)
				continue
			}

			event := api.ChunkEvent{}
			if len(chunk.Choices) > 0 {
				event.Delta = chunk.Choices[0].Delta.Content
				event.FinishReason = chunk.Choices[0].FinishReason
			}
			if chunk.Usage != nil {
				usage := chunk.Usage.toTokenUsage()
				event.Usage = &usage
			}
			if event.Delta == "" && event.FinishReason == "" && event.Usage == nil {
				continue
			}

			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- api.ChunkEvent{Err: api.WrapError(api.ErrKindProvider, err, "%s stream read failed", p.id)}
		}
	}()
	return ch, nil
}

// Embeddings implements Provider.
func (p *OpenAICompatProvider) Embeddings(ctx context.Context, req api.EmbeddingsRequest) (*api.EmbeddingsResponse, error) {
	payload := map[string]interface{}{
		"model": req.Model,
		"input": req.Input,
	}
	resp, err := p.post(ctx, "/embeddings", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(p.id, resp)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
		Model string    `json:"model"`
		Usage *oaiUsage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode %s embeddings", p.id)
	}

	out := &api.EmbeddingsResponse{Model: parsed.Model}
	for _, d := range parsed.Data {
		out.Embeddings = append(out.Embeddings, d.Embedding)
	}
	if parsed.Usage != nil {
		out.Usage = parsed.Usage.toTokenUsage()
	}
	return out, nil
}

// ListModels implements Provider.
func (p *OpenAICompatProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create %s request", p.id)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "%s models request failed", p.id)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s models returned %d", p.id, resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, api.WrapError(api.ErrKindSerialization, err, "failed to decode %s models", p.id)
	}
	models := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// Health implements Provider.
func (p *OpenAICompatProvider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := p.ListModels(ctx)
	return err
}
