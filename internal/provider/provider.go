// Package provider implements the uniform capability over upstream LLM
// providers. Each provider owns its wire encoding; the registry maps
// (provider, model) to an instance and layers feature gating, retries,
// and usage normalization on top.
package provider

import (
	"context"

	"localrouter/internal/api"
)

// Provider is the abstraction over one upstream LLM service.
//
// Implementations must be safe for concurrent use and must propagate
// context cancellation promptly: when ctx is cancelled a streaming
// implementation closes its channel as quickly as possible.
type Provider interface {
	// ID returns the provider identifier ("openai", "anthropic", ...).
	ID() string

	// Complete performs a buffered completion.
	Complete(ctx context.Context, req api.CompletionRequest) (*api.CompletionResponse, error)

	// StreamComplete returns a channel of normalized chunk events. The
	// channel is closed when the stream ends, errors, or ctx is
	// cancelled. Errors after the stream opens arrive as a ChunkEvent
	// with Err set.
	StreamComplete(ctx context.Context, req api.CompletionRequest) (<-chan api.ChunkEvent, error)

	// Embeddings passes through to the provider's embeddings endpoint.
	Embeddings(ctx context.Context, req api.EmbeddingsRequest) (*api.EmbeddingsResponse, error)

	// ListModels returns the model IDs the provider currently serves.
	ListModels(ctx context.Context) ([]string, error)

	// Health checks provider reachability.
	Health(ctx context.Context) error
}

// Compile-time interface compliance checks.
var (
	_ Provider = (*OpenAICompatProvider)(nil)
	_ Provider = (*AnyLLMProvider)(nil)
	_ Provider = (*OllamaProvider)(nil)
	_ Provider = (*CohereProvider)(nil)
)
