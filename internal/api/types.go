package api

import (
	"context"
	"time"
)

// ModelSelection determines which model serves requests authenticated by
// an API key. Exactly one of Direct or Router is set.
type ModelSelection struct {
	Direct *DirectModel `json:"direct,omitempty" yaml:"direct,omitempty"`
	Router *RouterRef   `json:"router,omitempty" yaml:"router,omitempty"`
}

// DirectModel pins a key to a single provider/model pair.
type DirectModel struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// RouterRef points at a named router policy that picks between a strong
// and a weak model per request.
type RouterRef struct {
	Name string `json:"name" yaml:"name"`
}

// AuthContext is attached to a request after successful authentication.
type AuthContext struct {
	APIKeyID  string
	Selection ModelSelection
}

// ChatMessage is a single message in an OpenAI-shaped conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ResponseFormat selects structured output modes. Type is "text",
// "json_object" (JSON mode) or "json_schema" (structured outputs).
type ResponseFormat struct {
	Type       string                 `json:"type"`
	JSONSchema map[string]interface{} `json:"json_schema,omitempty"`
}

// CompletionRequest is the uniform request passed to providers. Feature
// adapters translate the optional fields into provider-native encodings
// when the catalog declares support.
type CompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Logprobs       bool            `json:"logprobs,omitempty"`
	TopLogprobs    int             `json:"top_logprobs,omitempty"`
	PromptCaching  bool            `json:"prompt_caching,omitempty"`
	User           string          `json:"user,omitempty"`
}

// TokenUsage is the uniform token accounting returned by providers.
// CachedPromptTokens is non-zero only on providers that report prompt
// cache hits; adapters surface provider-specific fields through it.
type TokenUsage struct {
	PromptTokens       int `json:"prompt_tokens"`
	CompletionTokens   int `json:"completion_tokens"`
	CachedPromptTokens int `json:"cached_prompt_tokens,omitempty"`
	TotalTokens        int `json:"total_tokens"`
}

// CompletionResponse is the buffered response from a provider.
type CompletionResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
	// Logprobs carries the provider's logprob payload verbatim when the
	// logprobs feature was requested and supported.
	Logprobs interface{} `json:"logprobs,omitempty"`
}

// ChunkEvent is one normalized item of a streaming response. Adapters
// convert provider-native chunk formats (Anthropic event stream, Gemini
// JSON lines, Ollama cumulative content, Cohere v2 events) into deltas.
type ChunkEvent struct {
	Delta        string
	FinishReason string      // empty until the final chunk
	Usage        *TokenUsage // set at most once, usually on the final chunk
	// Err terminates the stream when set. The channel is closed after.
	Err error
}

// EmbeddingsRequest is the uniform embeddings request.
type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingsResponse carries one vector per input in order.
type EmbeddingsResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
	Usage      TokenUsage  `json:"usage"`
}

// ModelInfo describes one model exposed by GET /v1/models: a provider
// listing merged with catalog metadata when available.
type ModelInfo struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider"`
	DisplayName     string  `json:"display_name,omitempty"`
	ContextLength   int     `json:"context_length,omitempty"`
	Created         int64   `json:"created,omitempty"`
	PromptPrice     float64 `json:"prompt_price,omitempty"`
	CompletionPrice float64 `json:"completion_price,omitempty"`
}

// RouteDecision is the outcome of model resolution for one request.
type RouteDecision struct {
	Provider string
	Model    string
	// RouterName is set when a router (not a direct selection) decided.
	RouterName string
	// WinRate is the classifier output, when a classifier ran.
	WinRate *float64
	// Fallback reports that the classifier was unavailable and the
	// configured fallback selection was used.
	Fallback bool
}

// ScanDirection tells a safety model which side of the conversation to
// check.
type ScanDirection string

const (
	ScanInput  ScanDirection = "input"
	ScanOutput ScanDirection = "output"
	ScanBoth   ScanDirection = "both"
)

// Matches reports whether a model configured with direction d should run
// for a check in direction other. ScanBoth matches every check.
func (d ScanDirection) Matches(other ScanDirection) bool {
	return d == ScanBoth || d == other
}

// CategoryAction is the configured response to a flagged safety category.
type CategoryAction string

const (
	ActionAllow  CategoryAction = "allow"
	ActionNotify CategoryAction = "notify"
	ActionAsk    CategoryAction = "ask"
)

// rank orders actions by strength for merging: Ask > Notify > Allow.
func (a CategoryAction) rank() int {
	switch a {
	case ActionAsk:
		return 2
	case ActionNotify:
		return 1
	default:
		return 0
	}
}

// Strongest returns the stronger of the two actions.
func (a CategoryAction) Strongest(b CategoryAction) CategoryAction {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// SafetyVerdict is one category flagged by one safety model.
type SafetyVerdict struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// SafetyCheckResult is the parsed output of a single safety model run.
type SafetyCheckResult struct {
	Verdicts []SafetyVerdict `json:"verdicts"`
	Raw      string          `json:"raw,omitempty"`
}

// SafetyDecision is the merged outcome of a fan-out check.
type SafetyDecision struct {
	// Action is the strongest action any model assigned to any category.
	Action CategoryAction
	// Verdicts are all category verdicts across models.
	Verdicts []SafetyVerdict
	// ActionsRequired maps flagged categories to their resolved action.
	ActionsRequired map[string]CategoryAction
	// TotalDuration is the wall-clock duration of the fan-out.
	TotalDuration time.Duration
}

// GuardrailApprovalDetails is published on the approval channel when a
// check resolves to Ask. The desktop shell answers with a boolean.
type GuardrailApprovalDetails struct {
	Verdicts        []SafetyVerdict           `json:"verdicts"`
	ActionsRequired map[string]CategoryAction `json:"actions_required"`
	TotalDurationMs int64                     `json:"total_duration_ms"`
	ScanDirection   ScanDirection             `json:"scan_direction"`
	FlaggedText     string                    `json:"flagged_text"`
}

// GenerationRecord is the immutable record of one completed (or errored
// but token-consuming) generation. Records live in a bounded FIFO ring.
type GenerationRecord struct {
	ID                 string          `json:"id"`
	Timestamp          time.Time       `json:"timestamp"`
	APIKeyID           string          `json:"api_key_id"`
	Provider           string          `json:"provider"`
	Model              string          `json:"model"`
	PromptTokens       int             `json:"prompt_tokens"`
	CompletionTokens   int             `json:"completion_tokens"`
	CachedPromptTokens int             `json:"cached_prompt_tokens,omitempty"`
	Cost               float64         `json:"cost"`
	LatencyMs          int64           `json:"latency_ms"`
	TTFBMs             int64           `json:"ttfb_ms,omitempty"`
	FinishReason       string          `json:"finish_reason"`
	SafetyVerdicts     []SafetyVerdict `json:"safety_verdicts,omitempty"`
}

// BackendState is the lifecycle state of an aggregated MCP backend.
type BackendState string

const (
	BackendNotStarted  BackendState = "not_started"
	BackendStarting    BackendState = "starting"
	BackendInitialized BackendState = "initialized"
	BackendReady       BackendState = "ready"
	BackendFailed      BackendState = "failed"
	BackendStopping    BackendState = "stopping"
)

// FlowStatus is the state of an OAuth browser flow.
type FlowStatus string

const (
	FlowPending          FlowStatus = "pending"
	FlowAwaitingExchange FlowStatus = "awaiting_exchange"
	FlowSucceeded        FlowStatus = "succeeded"
	FlowFailed           FlowStatus = "failed"
	FlowTimedOut         FlowStatus = "timed_out"
	FlowCancelled        FlowStatus = "cancelled"
)

// Terminal reports whether the status releases the flow's callback port.
func (s FlowStatus) Terminal() bool {
	switch s {
	case FlowSucceeded, FlowFailed, FlowTimedOut, FlowCancelled:
		return true
	}
	return false
}

// ReleaseFunc undoes a rate-limit or concurrency acquisition.
type ReleaseFunc func()

// Handler interfaces. Subsystems implement these and register themselves
// through the functions in handlers.go; consumers fetch them the same
// way. This keeps the packages decoupled from each other's internals.

// ProviderHandler is the uniform capability over all upstream providers.
type ProviderHandler interface {
	// Complete performs a buffered completion against (provider, model).
	Complete(ctx context.Context, provider string, req CompletionRequest) (*CompletionResponse, error)
	// StreamComplete performs a streaming completion. The returned
	// channel is closed when the stream ends or ctx is cancelled.
	StreamComplete(ctx context.Context, provider string, req CompletionRequest) (<-chan ChunkEvent, error)
	// Embeddings passes through to the provider's embeddings endpoint.
	Embeddings(ctx context.Context, provider string, req EmbeddingsRequest) (*EmbeddingsResponse, error)
	// ListModels returns the union of models across enabled providers.
	ListModels(ctx context.Context) []ModelInfo
	// Health reports per-provider reachability.
	Health(ctx context.Context) map[string]error
	// HasProvider reports whether an enabled provider with the given
	// ID exists.
	HasProvider(id string) bool
}

// KeyStoreHandler authenticates API keys and resolves their selection.
type KeyStoreHandler interface {
	// VerifyKey resolves a plaintext secret to an auth context. A
	// disabled key is indistinguishable from an absent one.
	VerifyKey(secret string) (*AuthContext, bool)
}

// RateLimiterHandler admits or refuses a request for a key.
type RateLimiterHandler interface {
	// Acquire admits estTokens for keyID. On refusal the error carries
	// kind rate_limit_exceeded and a Retry-After hint. The returned
	// release func must be called when the request finishes.
	Acquire(keyID string, estTokens int) (ReleaseFunc, error)
}

// ClassifierHandler scores prompt text with the local classifier.
type ClassifierHandler interface {
	// Predict returns the strong-win-rate in [0,1]. Loading is lazy;
	// concurrent callers share one load.
	Predict(ctx context.Context, text string) (float64, error)
}

// RouterHandler resolves a model selection to a concrete decision.
type RouterHandler interface {
	Resolve(ctx context.Context, sel ModelSelection, messages []ChatMessage) (*RouteDecision, error)
	// HasRouter reports whether a router policy with the given name is
	// loaded.
	HasRouter(name string) bool
}

// SafetyHandler runs the configured safety models over text.
type SafetyHandler interface {
	// Check fans out over matching safety models and merges verdicts.
	// A decision of ActionAsk has already been through the approval
	// gate; a denial surfaces as a content_filter error.
	Check(ctx context.Context, direction ScanDirection, text string) (*SafetyDecision, error)
}

// TrackerHandler stores generation records.
type TrackerHandler interface {
	Record(rec GenerationRecord)
	Get(id string) (*GenerationRecord, bool)
	List(limit int) []GenerationRecord
}

// CatalogModelInfo is the catalog view consumers need for cost and
// feature checks without importing the catalog package.
type CatalogModelInfo struct {
	ID              string
	DisplayName     string
	ContextLength   int
	Created         int64
	Modality        string
	PromptPrice     float64
	CompletionPrice float64
	ImagePrice      float64
	RequestPrice    float64
	Features        map[string]bool
}

// CatalogHandler resolves model IDs and aliases to catalog records.
type CatalogHandler interface {
	Lookup(model string) (*CatalogModelInfo, bool)
	Cost(model string, usage TokenUsage) float64
}
