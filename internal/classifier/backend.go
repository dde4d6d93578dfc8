package classifier

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"

	"localrouter/internal/api"
)

// Model is a loaded classifier ready for inference.
type Model interface {
	// Predict returns the strong-win-rate in [0,1] for the prompt text.
	Predict(ctx context.Context, text string) (float64, error)
	// Close releases the model's resources.
	Close() error
}

// Backend knows how to load the classifier model. Loading is expensive
// (model weights come off disk); the service calls it at most once per
// idle period.
type Backend interface {
	Load(ctx context.Context) (Model, error)
}

// LlamaServerBackend loads a classifier served by a llama.cpp-compatible
// server. The scoring prompt asks the model for a single probability;
// anything unparseable is a router error, not a silent 0.
type LlamaServerBackend struct {
	serverURL string
	modelName string
}

// NewLlamaServerBackend creates a backend for the llama.cpp server at
// serverURL.
func NewLlamaServerBackend(serverURL, modelName string) *LlamaServerBackend {
	return &LlamaServerBackend{serverURL: serverURL, modelName: modelName}
}

// Load implements Backend.
func (b *LlamaServerBackend) Load(ctx context.Context) (Model, error) {
	opts := []anyllmlib.Option{}
	if b.serverURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(b.serverURL))
	}
	provider, err := llamacpp.New(opts...)
	if err != nil {
		return nil, api.WrapError(api.ErrKindRouter, err, "failed to create llama.cpp classifier backend")
	}

	model := &llamaServerModel{provider: provider, modelName: b.modelName}
	// Probe the server so a dead endpoint fails the load, not the first
	// prediction.
	if _, err := model.Predict(ctx, "ping"); err != nil {
		return nil, err
	}
	return model, nil
}

type llamaServerModel struct {
	provider  anyllmlib.Provider
	modelName string
}

const scoringPrompt = `You are a routing classifier. Given a user prompt, output only the probability (a decimal between 0 and 1) that a frontier-quality model would produce a meaningfully better answer than a small model. Output the number and nothing else.

Prompt:
%s

Probability:`

func (m *llamaServerModel) Predict(ctx context.Context, text string) (float64, error) {
	resp, err := m.provider.Completion(ctx, anyllmlib.CompletionParams{
		Model: m.modelName,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleUser, Content: fmt.Sprintf(scoringPrompt, text)},
		},
		Temperature: ptr(0.0),
		MaxTokens:   ptr(8),
	})
	if err != nil {
		return 0, api.WrapError(api.ErrKindRouter, err, "classifier inference failed")
	}
	if len(resp.Choices) == 0 {
		return 0, api.NewError(api.ErrKindRouter, "classifier returned no choices")
	}

	return parseWinRate(resp.Choices[0].Message.ContentString())
}

func (m *llamaServerModel) Close() error {
	return nil
}

func ptr[T any](v T) *T { return &v }

// parseWinRate parses the first whitespace-separated field of the output
// as a decimal (a trailing "%" is dropped) and clamps it to [0,1].
// Output whose first field is not a number is an error.
func parseWinRate(output string) (float64, error) {
	fields := strings.Fields(strings.TrimSpace(output))
	if len(fields) == 0 {
		return 0, api.NewError(api.ErrKindRouter, "classifier returned empty output")
	}
	value, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
	if err != nil {
		return 0, api.WrapError(api.ErrKindRouter, err, "classifier output %q is not a probability", fields[0])
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	return value, nil
}
