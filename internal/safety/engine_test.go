package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/config"
	"localrouter/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	result *api.SafetyCheckResult
	err    error
	delay  time.Duration
}

func (m *mockExecutor) Check(ctx context.Context, text string) (*api.SafetyCheckResult, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// engineWith assembles an engine with pre-built executors, bypassing
// config-driven construction.
func engineWith(models ...configuredModel) *Engine {
	e := NewEngine(config.SafetyConfig{ApprovalTimeout: 50 * time.Millisecond})
	e.models = models
	return e
}

func guardModel(name string, direction api.ScanDirection, categories map[string]api.CategoryAction, exec Executor) configuredModel {
	return configuredModel{
		config: config.SafetyModelConfig{
			Model:      name,
			Direction:  direction,
			Categories: categories,
		},
		executor: exec,
	}
}

func verdicts(categories ...string) *api.SafetyCheckResult {
	result := &api.SafetyCheckResult{}
	for _, c := range categories {
		result.Verdicts = append(result.Verdicts, api.SafetyVerdict{Category: c, Confidence: 1})
	}
	return result
}

func TestCheck_NoModelsAllows(t *testing.T) {
	e := engineWith()
	decision, err := e.Check(context.Background(), api.ScanInput, "anything")
	require.NoError(t, err)
	assert.Equal(t, api.ActionAllow, decision.Action)
}

func TestCheck_DirectionFiltering(t *testing.T) {
	inputOnly := guardModel("in", api.ScanInput,
		map[string]api.CategoryAction{"hate": api.ActionAsk},
		&mockExecutor{result: verdicts("hate")})
	e := engineWith(inputOnly)

	// Output checks skip input-only models entirely.
	decision, err := e.Check(context.Background(), api.ScanOutput, "text")
	require.NoError(t, err)
	assert.Empty(t, decision.Verdicts)
	assert.Equal(t, api.ActionAllow, decision.Action)
}

func TestCheck_MergeTakesStrongestAction(t *testing.T) {
	lenient := guardModel("lenient", api.ScanBoth,
		map[string]api.CategoryAction{"violent_crimes": api.ActionAllow},
		&mockExecutor{result: verdicts("violent_crimes")})
	strict := guardModel("strict", api.ScanBoth,
		map[string]api.CategoryAction{"violent_crimes": api.ActionNotify},
		&mockExecutor{result: verdicts("violent_crimes")})
	e := engineWith(lenient, strict)

	decision, err := e.Check(context.Background(), api.ScanInput, "text")
	require.NoError(t, err)
	assert.Equal(t, api.ActionNotify, decision.Action)
	assert.Equal(t, api.ActionNotify, decision.ActionsRequired["violent_crimes"])
	assert.Len(t, decision.Verdicts, 2)
}

func TestCheck_TimedOutModelContributesNothing(t *testing.T) {
	slow := configuredModel{
		config: config.SafetyModelConfig{
			Model:      "slow",
			Direction:  api.ScanBoth,
			Timeout:    10 * time.Millisecond,
			Categories: map[string]api.CategoryAction{"hate": api.ActionAsk},
		},
		executor: &mockExecutor{delay: time.Second, result: verdicts("hate")},
	}
	fast := guardModel("fast", api.ScanBoth,
		map[string]api.CategoryAction{"privacy": api.ActionNotify},
		&mockExecutor{result: verdicts("privacy")})
	e := engineWith(slow, fast)

	decision, err := e.Check(context.Background(), api.ScanInput, "text")
	require.NoError(t, err)
	// Only the fast model's verdict survives.
	assert.Equal(t, api.ActionNotify, decision.Action)
	assert.Len(t, decision.Verdicts, 1)
	assert.Equal(t, "privacy", decision.Verdicts[0].Category)
}

func TestCheck_AllModelsFailIsFailOpen(t *testing.T) {
	broken := guardModel("broken", api.ScanBoth, nil,
		&mockExecutor{err: errors.New("model exploded")})
	e := engineWith(broken)

	decision, err := e.Check(context.Background(), api.ScanInput, "text")
	require.NoError(t, err)
	assert.Equal(t, api.ActionAllow, decision.Action)
}

func TestCheck_AllModelsFailWithFailClosed(t *testing.T) {
	broken := guardModel("broken", api.ScanBoth, nil,
		&mockExecutor{err: errors.New("model exploded")})
	e := engineWith(broken)
	e.failClosed = true

	_, err := e.Check(context.Background(), api.ScanInput, "text")
	require.Error(t, err)
	assert.Equal(t, api.ErrKindContentFilter, api.KindOf(err))
}

func TestCheck_CleanVerdictAllows(t *testing.T) {
	clean := guardModel("clean", api.ScanBoth,
		map[string]api.CategoryAction{"hate": api.ActionAsk},
		&mockExecutor{result: &api.SafetyCheckResult{Raw: "safe"}})
	e := engineWith(clean)

	decision, err := e.Check(context.Background(), api.ScanInput, "hello")
	require.NoError(t, err)
	assert.Equal(t, api.ActionAllow, decision.Action)
	assert.Empty(t, decision.Verdicts)
}

func TestCheck_AskDeniedByTimeout(t *testing.T) {
	asking := guardModel("asking", api.ScanBoth,
		map[string]api.CategoryAction{"self_harm": api.ActionAsk},
		&mockExecutor{result: verdicts("self_harm")})
	e := engineWith(asking) // approval timeout 50ms, nobody answers

	_, err := e.Check(context.Background(), api.ScanInput, "text")
	require.Error(t, err)
	assert.Equal(t, api.ErrKindContentFilter, api.KindOf(err))
}

func TestCheck_AskApprovedProceeds(t *testing.T) {
	bus := events.NewBus()
	events.SetBus(bus)
	t.Cleanup(func() { events.SetBus(nil); bus.Close() })
	sub := bus.Subscribe()

	asking := guardModel("asking", api.ScanBoth,
		map[string]api.CategoryAction{"self_harm": api.ActionAsk},
		&mockExecutor{result: verdicts("self_harm")})
	e := NewEngine(config.SafetyConfig{ApprovalTimeout: 5 * time.Second})
	e.models = []configuredModel{asking}

	// Play the shell: approve as soon as the event arrives.
	go func() {
		for event := range sub {
			if event.Name != events.EventSafetyApprovalRequested {
				continue
			}
			if id, ok := event.Payload["approval_id"].(string); ok {
				e.Gate().Resolve(id, true)
				return
			}
		}
	}()

	decision, err := e.Check(context.Background(), api.ScanInput, "text")
	require.NoError(t, err)
	assert.Equal(t, api.ActionAsk, decision.Action)
}

func TestCheck_UnconfiguredCategoryDefaultsToNotify(t *testing.T) {
	model := guardModel("guard", api.ScanBoth,
		map[string]api.CategoryAction{}, &mockExecutor{result: verdicts("elections")})
	e := engineWith(model)

	decision, err := e.Check(context.Background(), api.ScanInput, "text")
	require.NoError(t, err)
	assert.Equal(t, api.ActionNotify, decision.ActionsRequired["elections"])
}

func TestParseGuardOutput(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		categories []string
	}{
		{"safe", "safe", nil},
		{"safe with whitespace", "  safe\n", nil},
		{"unsafe with codes", "unsafe\nS1,S10", []string{"violent_crimes", "hate"}},
		{"unsafe unknown code", "unsafe\nS99", []string{"s99"}},
		{"unsafe without category line", "unsafe", []string{"unspecified"}},
		{"garbage is safe", "I cannot comply", nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := parseGuardOutput(test.raw)
			var got []string
			for _, v := range result.Verdicts {
				got = append(got, v.Category)
			}
			assert.Equal(t, test.categories, got)
		})
	}
}
