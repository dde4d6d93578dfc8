package provider

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"

	"localrouter/internal/api"
)

// AnyLLMProvider adapts github.com/mozilla-ai/any-llm-go backends to the
// Provider interface. It covers the providers whose native SDK wire
// formats (Anthropic event stream, Gemini JSON lines) any-llm-go
// already normalizes into OpenAI-shaped chunks.
type AnyLLMProvider struct {
	id      string
	backend anyllmlib.Provider
}

// NewAnyLLM creates a provider backed by the named any-llm-go backend.
// Supported: anthropic, gemini, mistral, groq.
func NewAnyLLM(id, apiKey, baseURL string) (*AnyLLMProvider, error) {
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}

	var backend anyllmlib.Provider
	var err error
	switch strings.ToLower(id) {
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "mistral":
		backend, err = mistral.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	default:
		return nil, api.NewError(api.ErrKindConfig, "unsupported any-llm provider %q", id)
	}
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "failed to create %s backend", id)
	}
	return &AnyLLMProvider{id: id, backend: backend}, nil
}

// ID implements Provider.
func (p *AnyLLMProvider) ID() string { return p.id }

func (p *AnyLLMProvider) buildParams(req api.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "text" {
		// These backends take JSON-mode instructions through the system
		// turn; the registry has already verified the model declares
		// the feature.
		params.Messages = append([]anyllmlib.Message{{
			Role:    anyllmlib.RoleSystem,
			Content: "Respond with a single valid JSON object and nothing else.",
		}}, params.Messages...)
	}
	return params
}

// Complete implements Provider.
func (p *AnyLLMProvider) Complete(ctx context.Context, req api.CompletionRequest) (*api.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, wrapAnyLLMError(p.id, err)
	}
	if len(resp.Choices) == 0 {
		return nil, api.NewError(api.ErrKindProvider, "%s returned no choices", p.id)
	}

	choice := resp.Choices[0]
	out := &api.CompletionResponse{
		Model:        req.Model,
		Content:      choice.Message.ContentString(),
		FinishReason: string(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = api.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// StreamComplete implements Provider.
func (p *AnyLLMProvider) StreamComplete(ctx context.Context, req api.CompletionRequest) (<-chan api.ChunkEvent, error) {
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, p.buildParams(req))

	ch := make(chan api.ChunkEvent, 16)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			event := api.ChunkEvent{
				Delta:        choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}
			if event.Delta == "" && event.FinishReason == "" {
				continue
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}

		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			select {
			case ch <- api.ChunkEvent{Err: wrapAnyLLMError(p.id, err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Embeddings implements Provider. These backends do not serve
// embeddings through any-llm-go.
func (p *AnyLLMProvider) Embeddings(ctx context.Context, req api.EmbeddingsRequest) (*api.EmbeddingsResponse, error) {
	return nil, api.NewError(api.ErrKindFeatureUnsupported, "%s does not serve embeddings", p.id)
}

// ListModels implements Provider. The SDK exposes no listing endpoint
// for these backends, so the listing is always empty.
func (p *AnyLLMProvider) ListModels(ctx context.Context) ([]string, error) {
	return nil, nil
}

// Health implements Provider.
func (p *AnyLLMProvider) Health(ctx context.Context) error {
	return nil
}

func wrapAnyLLMError(providerID string, err error) error {
	text := err.Error()
	if strings.Contains(text, "429") || strings.Contains(strings.ToLower(text), "rate limit") {
		return api.WrapError(api.ErrKindRateLimitExceeded, err, "%s rate limited", providerID)
	}
	wrapped := api.WrapError(api.ErrKindProvider, err, "%s request failed", providerID)
	if isTransientText(text) {
		wrapped.Err = fmt.Errorf("%w: %v", errRetryable, err)
	}
	return wrapped
}

func isTransientText(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"500", "502", "503", "504", "timeout", "connection refused", "connection reset", "eof"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
