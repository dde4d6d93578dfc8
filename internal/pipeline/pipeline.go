// Package pipeline implements the ordered dispatch stages every
// inference request passes through: rate limiting, model resolution,
// pre-inference safety, provider dispatch, post-inference safety, and
// usage recording. Authentication happens in the HTTP layer; the
// pipeline receives the resulting AuthContext.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/ratelimit"

	"github.com/google/uuid"
)

// FinishReasonClientDisconnect is recorded when the client went away
// before the upstream finished.
const FinishReasonClientDisconnect = "client_disconnect"

// Pipeline wires the dispatch stages together through the api locator.
type Pipeline struct{}

// New creates the dispatch pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// conversationText flattens the conversation for safety scanning.
func conversationText(messages []api.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// prepare runs the shared leading stages: rate limiting and model
// resolution. The returned release func must be called when the
// request finishes.
func (p *Pipeline) prepare(ctx context.Context, auth *api.AuthContext, messages []api.ChatMessage) (*api.RouteDecision, api.ReleaseFunc, error) {
	limiter := api.GetRateLimiter()
	if limiter == nil {
		return nil, nil, api.NewError(api.ErrKindInternal, "rate limiter unavailable")
	}
	release, err := limiter.Acquire(auth.APIKeyID, ratelimit.EstimateTokens(messages))
	if err != nil {
		return nil, nil, err
	}

	router := api.GetRouter()
	if router == nil {
		release()
		return nil, nil, api.NewError(api.ErrKindInternal, "router unavailable")
	}
	decision, err := router.Resolve(ctx, auth.Selection, messages)
	if err != nil {
		release()
		return nil, nil, err
	}
	return decision, release, nil
}

// checkSafety runs the safety engine in one direction. A nil safety
// handler means no safety models are configured.
func checkSafety(ctx context.Context, direction api.ScanDirection, text string) (*api.SafetyDecision, error) {
	safety := api.GetSafety()
	if safety == nil {
		return nil, nil
	}
	return safety.Check(ctx, direction, text)
}

// record commits a generation record, computing cost from the catalog.
func record(rec api.GenerationRecord) {
	if catalog := api.GetCatalog(); catalog != nil {
		rec.Cost = catalog.Cost(rec.Model, api.TokenUsage{
			PromptTokens:       rec.PromptTokens,
			CompletionTokens:   rec.CompletionTokens,
			CachedPromptTokens: rec.CachedPromptTokens,
		})
	}
	if tracker := api.GetTracker(); tracker != nil {
		tracker.Record(rec)
	}
}

func safetyVerdicts(decisions ...*api.SafetyDecision) []api.SafetyVerdict {
	var out []api.SafetyVerdict
	for _, d := range decisions {
		if d != nil {
			out = append(out, d.Verdicts...)
		}
	}
	return out
}

// estimateUsage fills in usage for upstreams that report none, so a
// generation record always carries non-zero accounting.
func estimateUsage(messages []api.ChatMessage, content string) api.TokenUsage {
	prompt := ratelimit.EstimateTokens(messages)
	completion := len(content) / 4
	if completion < 1 && content != "" {
		completion = 1
	}
	return api.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Chat executes a buffered chat completion through all stages.
func (p *Pipeline) Chat(ctx context.Context, auth *api.AuthContext, req api.CompletionRequest) (*api.CompletionResponse, *api.GenerationRecord, error) {
	decision, release, err := p.prepare(ctx, auth, req.Messages)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	inputDecision, err := checkSafety(ctx, api.ScanInput, conversationText(req.Messages))
	if err != nil {
		return nil, nil, err
	}

	provider := api.GetProvider()
	if provider == nil {
		return nil, nil, api.NewError(api.ErrKindInternal, "provider registry unavailable")
	}

	req.Model = decision.Model
	started := time.Now()
	resp, err := provider.Complete(ctx, decision.Provider, req)
	latency := time.Since(started)
	if err != nil {
		return nil, nil, err
	}

	outputDecision, err := checkSafety(ctx, api.ScanOutput, resp.Content)
	if err != nil {
		// The response was produced and tokens were consumed; record it
		// even though the client sees a content_filter error.
		rec := p.buildRecord(auth, decision, resp.Usage, latency, 0, "content_filter", inputDecision, nil)
		record(rec)
		return nil, nil, err
	}

	if resp.Usage.TotalTokens == 0 {
		resp.Usage = estimateUsage(req.Messages, resp.Content)
	}

	rec := p.buildRecord(auth, decision, resp.Usage, latency, 0, resp.FinishReason, inputDecision, outputDecision)
	record(rec)
	return resp, &rec, nil
}

func (p *Pipeline) buildRecord(
	auth *api.AuthContext,
	decision *api.RouteDecision,
	usage api.TokenUsage,
	latency time.Duration,
	ttfb time.Duration,
	finishReason string,
	decisions ...*api.SafetyDecision,
) api.GenerationRecord {
	return api.GenerationRecord{
		ID:                 "gen-" + uuid.NewString(),
		Timestamp:          time.Now(),
		APIKeyID:           auth.APIKeyID,
		Provider:           decision.Provider,
		Model:              decision.Model,
		PromptTokens:       usage.PromptTokens,
		CompletionTokens:   usage.CompletionTokens,
		CachedPromptTokens: usage.CachedPromptTokens,
		LatencyMs:          latency.Milliseconds(),
		TTFBMs:             ttfb.Milliseconds(),
		FinishReason:       finishReason,
		SafetyVerdicts:     safetyVerdicts(decisions...),
	}
}

// Embeddings executes an embeddings request through the applicable
// stages (no routing, no safety scan over vectors).
func (p *Pipeline) Embeddings(ctx context.Context, auth *api.AuthContext, req api.EmbeddingsRequest) (*api.EmbeddingsResponse, error) {
	if auth.Selection.Direct == nil {
		return nil, api.NewError(api.ErrKindInvalidParams, "embeddings require a key bound to a direct model selection")
	}

	limiter := api.GetRateLimiter()
	if limiter == nil {
		return nil, api.NewError(api.ErrKindInternal, "rate limiter unavailable")
	}
	est := 0
	for _, input := range req.Input {
		est += len(input) / 4
	}
	if est < 1 {
		est = 1
	}
	release, err := limiter.Acquire(auth.APIKeyID, est)
	if err != nil {
		return nil, err
	}
	defer release()

	provider := api.GetProvider()
	if provider == nil {
		return nil, api.NewError(api.ErrKindInternal, "provider registry unavailable")
	}

	started := time.Now()
	resp, err := provider.Embeddings(ctx, auth.Selection.Direct.Provider, req)
	if err != nil {
		return nil, err
	}

	rec := api.GenerationRecord{
		ID:           "gen-" + uuid.NewString(),
		Timestamp:    time.Now(),
		APIKeyID:     auth.APIKeyID,
		Provider:     auth.Selection.Direct.Provider,
		Model:        req.Model,
		PromptTokens: resp.Usage.PromptTokens,
		LatencyMs:    time.Since(started).Milliseconds(),
		FinishReason: "stop",
	}
	record(rec)
	return resp, nil
}

// isCancellation reports whether err is a context cancellation
// triggered by the client going away.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
