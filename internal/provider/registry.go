package provider

import (
	"context"
	"sort"
	"sync"

	"localrouter/internal/api"
	"localrouter/internal/catalog"
	"localrouter/internal/config"
	"localrouter/internal/keychain"
	"localrouter/pkg/logging"
)

// Registry implements api.ProviderHandler over a set of providers. The
// registry is read-mostly: reconfiguration swaps the whole provider map
// behind the lock instead of mutating it in place.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register registers the registry with the api locator.
func (r *Registry) Register() {
	api.RegisterProvider(r)
}

// SetProviders swaps the provider set.
func (r *Registry) SetProviders(providers map[string]Provider) {
	r.mu.Lock()
	r.providers = providers
	r.mu.Unlock()
}

// HasProvider implements api.ProviderHandler.
func (r *Registry) HasProvider(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Get returns the provider with the given ID.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

func (r *Registry) lookup(id string) (Provider, error) {
	p, ok := r.Get(id)
	if !ok {
		return nil, api.NewError(api.ErrKindProvider, "no enabled provider %q", id)
	}
	return p, nil
}

// checkFeatures rejects requests that ask for features the catalog does
// not declare for the model. Unsupported features surface as
// feature_unsupported rather than silent degradation.
func checkFeatures(req api.CompletionRequest) error {
	var wanted []string
	if req.ResponseFormat != nil {
		switch req.ResponseFormat.Type {
		case "", "text":
		case "json_object":
			wanted = append(wanted, catalog.FeatureJSONMode)
		case "json_schema":
			wanted = append(wanted, catalog.FeatureStructuredOutputs)
		default:
			return api.NewError(api.ErrKindInvalidParams, "unknown response_format type %q", req.ResponseFormat.Type)
		}
	}
	if req.Logprobs {
		wanted = append(wanted, catalog.FeatureLogprobs)
	}
	if req.PromptCaching {
		wanted = append(wanted, catalog.FeaturePromptCaching)
	}
	if len(wanted) == 0 {
		return nil
	}

	catalogHandler := api.GetCatalog()
	if catalogHandler == nil {
		return api.NewError(api.ErrKindFeatureUnsupported, "no catalog available to verify feature support")
	}
	info, ok := catalogHandler.Lookup(req.Model)
	if !ok {
		return api.NewError(api.ErrKindFeatureUnsupported, "model %q is not in the catalog; cannot verify feature support", req.Model)
	}
	for _, feature := range wanted {
		if !info.Features[feature] {
			return api.NewError(api.ErrKindFeatureUnsupported, "model %q does not support %s", req.Model, feature)
		}
	}
	return nil
}

// Complete implements api.ProviderHandler. Transient upstream failures
// retry with exponential backoff; client errors do not.
func (r *Registry) Complete(ctx context.Context, providerID string, req api.CompletionRequest) (*api.CompletionResponse, error) {
	p, err := r.lookup(providerID)
	if err != nil {
		return nil, err
	}
	if err := checkFeatures(req); err != nil {
		return nil, err
	}

	var resp *api.CompletionResponse
	err = withRetries(ctx, func() error {
		var opErr error
		resp, opErr = p.Complete(ctx, req)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// StreamComplete implements api.ProviderHandler. Retries apply only to
// opening the stream; once chunks flow, failures terminate the stream.
func (r *Registry) StreamComplete(ctx context.Context, providerID string, req api.CompletionRequest) (<-chan api.ChunkEvent, error) {
	p, err := r.lookup(providerID)
	if err != nil {
		return nil, err
	}
	if err := checkFeatures(req); err != nil {
		return nil, err
	}

	var ch <-chan api.ChunkEvent
	err = withRetries(ctx, func() error {
		var opErr error
		ch, opErr = p.StreamComplete(ctx, req)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Embeddings implements api.ProviderHandler.
func (r *Registry) Embeddings(ctx context.Context, providerID string, req api.EmbeddingsRequest) (*api.EmbeddingsResponse, error) {
	p, err := r.lookup(providerID)
	if err != nil {
		return nil, err
	}

	var resp *api.EmbeddingsResponse
	err = withRetries(ctx, func() error {
		var opErr error
		resp, opErr = p.Embeddings(ctx, req)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ListModels implements api.ProviderHandler: the union of provider
// listings merged with catalog metadata. Only listed models appear;
// providers whose listing is empty (the any-llm backends) contribute no
// models, and catalog entries are not added on their behalf.
func (r *Registry) ListModels(ctx context.Context) []api.ModelInfo {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for id, p := range r.providers {
		providers[id] = p
	}
	r.mu.RUnlock()

	catalogHandler := api.GetCatalog()
	var out []api.ModelInfo
	for id, p := range providers {
		models, err := p.ListModels(ctx)
		if err != nil {
			logging.Warn("Provider", "Listing models for %s failed: %v", id, err)
			continue
		}
		for _, model := range models {
			info := api.ModelInfo{ID: model, Provider: id}
			if catalogHandler != nil {
				if cm, ok := catalogHandler.Lookup(model); ok {
					info.DisplayName = cm.DisplayName
					info.ContextLength = cm.ContextLength
					info.Created = cm.Created
					info.PromptPrice = cm.PromptPrice
					info.CompletionPrice = cm.CompletionPrice
				}
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Health implements api.ProviderHandler.
func (r *Registry) Health(ctx context.Context) map[string]error {
	r.mu.RLock()
	providers := make(map[string]Provider, len(r.providers))
	for id, p := range r.providers {
		providers[id] = p
	}
	r.mu.RUnlock()

	out := make(map[string]error, len(providers))
	for id, p := range providers {
		out[id] = p.Health(ctx)
	}
	return out
}

// BuildProviders constructs the provider set from configuration,
// fetching credentials from the keychain. Providers whose construction
// fails are skipped with a warning so one bad credential does not take
// the service down.
func BuildProviders(configs []config.ProviderConfig, keych keychain.KeychainStorage) map[string]Provider {
	providers := make(map[string]Provider)
	for _, pc := range configs {
		if !pc.Enabled {
			continue
		}

		apiKey := ""
		if pc.CredentialRef != "" {
			secret, err := keych.Get(keychain.ServiceProviders, pc.CredentialRef)
			if err != nil {
				logging.Warn("Provider", "Credential %q for provider %s unavailable: %v", pc.CredentialRef, pc.ID, err)
				continue
			}
			apiKey = secret
		}

		var p Provider
		var err error
		switch pc.ID {
		case "openai":
			p = NewOpenAICompat("openai", apiKey, pc.BaseURL)
		case "openrouter":
			if pc.BaseURL != "" {
				p = NewOpenAICompat("openrouter", apiKey, pc.BaseURL)
			} else {
				p = NewOpenRouter(apiKey)
			}
		case "ollama":
			p = NewOllama(pc.BaseURL)
		case "cohere":
			p = NewCohere(apiKey, pc.BaseURL)
		case "anthropic", "gemini", "mistral", "groq":
			p, err = NewAnyLLM(pc.ID, apiKey, pc.BaseURL)
		default:
			// Unknown IDs are assumed OpenAI-compatible; most gateways are.
			p = NewOpenAICompat(pc.ID, apiKey, pc.BaseURL)
		}
		if err != nil {
			logging.Warn("Provider", "Skipping provider %s: %v", pc.ID, err)
			continue
		}
		providers[pc.ID] = p
		logging.Info("Provider", "Configured provider %s", pc.ID)
	}
	return providers
}
