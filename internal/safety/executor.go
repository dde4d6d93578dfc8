package safety

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"

	"localrouter/internal/api"
	"localrouter/internal/config"
)

// Executor runs one safety model over a piece of text and parses its
// native output into verdicts. Each safety model owns its parser.
type Executor interface {
	Check(ctx context.Context, text string) (*api.SafetyCheckResult, error)
}

// guardPrompt is the generic prompt template for guard-style models.
// The conversation under test is injected verbatim.
const guardPrompt = `Task: Check if there is unsafe content in the following text according to our safety policy.

<BEGIN TEXT>
%s
<END TEXT>

Provide your safety assessment. Answer "safe" or "unsafe" on the first line. If unsafe, list the violated category codes on the second line, comma separated.`

// llamaGuardCategories maps Llama Guard hazard codes to category names.
var llamaGuardCategories = map[string]string{
	"S1":  "violent_crimes",
	"S2":  "non_violent_crimes",
	"S3":  "sex_crimes",
	"S4":  "child_exploitation",
	"S5":  "defamation",
	"S6":  "specialized_advice",
	"S7":  "privacy",
	"S8":  "intellectual_property",
	"S9":  "indiscriminate_weapons",
	"S10": "hate",
	"S11": "self_harm",
	"S12": "sexual_content",
	"S13": "elections",
	"S14": "code_interpreter_abuse",
}

// parseGuardOutput parses guard-style output: "safe", or "unsafe"
// followed by a comma-separated category line. Unknown codes pass
// through verbatim so new model revisions still surface something.
func parseGuardOutput(raw string) *api.SafetyCheckResult {
	result := &api.SafetyCheckResult{Raw: raw}

	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) == 0 || !strings.EqualFold(strings.TrimSpace(lines[0]), "unsafe") {
		return result
	}
	if len(lines) < 2 {
		result.Verdicts = append(result.Verdicts, api.SafetyVerdict{Category: "unspecified", Confidence: 1})
		return result
	}
	for _, code := range strings.Split(lines[1], ",") {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		category, ok := llamaGuardCategories[strings.ToUpper(code)]
		if !ok {
			category = strings.ToLower(code)
		}
		result.Verdicts = append(result.Verdicts, api.SafetyVerdict{Category: category, Confidence: 1})
	}
	return result
}

// ProviderExecutor routes the safety check through the provider
// registry like any other completion.
type ProviderExecutor struct {
	provider string
	model    string
}

// NewProviderExecutor creates an executor for a provider-routed safety
// model.
func NewProviderExecutor(provider, model string) *ProviderExecutor {
	return &ProviderExecutor{provider: provider, model: model}
}

// Check implements Executor.
func (e *ProviderExecutor) Check(ctx context.Context, text string) (*api.SafetyCheckResult, error) {
	handler := api.GetProvider()
	if handler == nil {
		return nil, api.NewError(api.ErrKindInternal, "no provider registry available")
	}

	temperature := 0.0
	resp, err := handler.Complete(ctx, e.provider, api.CompletionRequest{
		Model: e.model,
		Messages: []api.ChatMessage{
			{Role: "user", Content: fmt.Sprintf(guardPrompt, text)},
		},
		Temperature: &temperature,
		MaxTokens:   64,
	})
	if err != nil {
		return nil, err
	}
	return parseGuardOutput(resp.Content), nil
}

// LocalGgufExecutor runs the safety model on a local llama.cpp server.
// Inference happens on the engine's bounded worker pool so local model
// latency never stalls the scheduler.
type LocalGgufExecutor struct {
	backend anyllmlib.Provider
	model   string
}

// NewLocalGgufExecutor creates an executor backed by the llama.cpp
// server at serverURL serving the GGUF at the configured path.
func NewLocalGgufExecutor(serverURL, model string) (*LocalGgufExecutor, error) {
	var opts []anyllmlib.Option
	if serverURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(serverURL))
	}
	backend, err := llamacpp.New(opts...)
	if err != nil {
		return nil, api.WrapError(api.ErrKindConfig, err, "failed to create local safety model backend")
	}
	return &LocalGgufExecutor{backend: backend, model: model}, nil
}

// Check implements Executor.
func (e *LocalGgufExecutor) Check(ctx context.Context, text string) (*api.SafetyCheckResult, error) {
	temperature := 0.0
	maxTokens := 64
	resp, err := e.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: e.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleUser, Content: fmt.Sprintf(guardPrompt, text)},
		},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, api.WrapError(api.ErrKindProvider, err, "local safety model failed")
	}
	if len(resp.Choices) == 0 {
		return nil, api.NewError(api.ErrKindProvider, "local safety model returned no choices")
	}
	return parseGuardOutput(resp.Choices[0].Message.ContentString()), nil
}

// buildExecutor constructs the executor for one safety model config.
func buildExecutor(mc config.SafetyModelConfig) (Executor, error) {
	switch mc.Backend {
	case config.SafetyBackendProvider:
		return NewProviderExecutor(mc.Provider, mc.Model), nil
	case config.SafetyBackendLocalGguf:
		// The llama.cpp server loads models by path; the model field of
		// the completion request names the GGUF to serve.
		return NewLocalGgufExecutor("", mc.Path)
	default:
		return nil, api.NewError(api.ErrKindConfig, "unknown safety backend %q", mc.Backend)
	}
}
