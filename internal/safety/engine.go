// Package safety implements the guardrail engine: a fan-out of safety
// model checks over request and response text, verdict merging, and the
// user-approval gate for Ask verdicts.
package safety

import (
	"context"
	"sync"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/config"
	"localrouter/internal/events"
	"localrouter/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// defaultModelTimeout bounds one safety model's check when the config
// does not set one.
const defaultModelTimeout = 10 * time.Second

// workerPoolSize bounds concurrent safety model executions.
const workerPoolSize = 4

type configuredModel struct {
	config   config.SafetyModelConfig
	executor Executor
}

// Engine implements api.SafetyHandler.
type Engine struct {
	mu         sync.RWMutex
	models     []configuredModel
	failClosed bool
	gate       *ApprovalGate
	workerSem  chan struct{}
}

// NewEngine builds the engine from configuration. Models whose executor
// cannot be constructed are skipped with a warning.
func NewEngine(cfg config.SafetyConfig) *Engine {
	e := &Engine{
		failClosed: cfg.FailClosed,
		gate:       NewApprovalGate(cfg.ApprovalTimeout),
		workerSem:  make(chan struct{}, workerPoolSize),
	}
	e.SetModels(cfg.Models)
	return e
}

// Register registers the engine with the api locator.
func (e *Engine) Register() {
	api.RegisterSafety(e)
}

// Gate exposes the approval gate for the admin surface.
func (e *Engine) Gate() *ApprovalGate {
	return e.gate
}

// SetModels swaps the configured safety models.
func (e *Engine) SetModels(configs []config.SafetyModelConfig) {
	var models []configuredModel
	for _, mc := range configs {
		executor, err := buildExecutor(mc)
		if err != nil {
			logging.Warn("Safety", "Skipping safety model %s: %v", mc.Model, err)
			continue
		}
		models = append(models, configuredModel{config: mc, executor: executor})
	}
	e.mu.Lock()
	e.models = models
	e.mu.Unlock()
}

// Check implements api.SafetyHandler. It fans out over every model
// whose scan direction matches, merges verdicts, handles Notify events,
// and gates Ask verdicts on user approval.
func (e *Engine) Check(ctx context.Context, direction api.ScanDirection, text string) (*api.SafetyDecision, error) {
	e.mu.RLock()
	var matching []configuredModel
	for _, m := range e.models {
		if m.config.Direction.Matches(direction) {
			matching = append(matching, m)
		}
	}
	failClosed := e.failClosed
	e.mu.RUnlock()

	decision := &api.SafetyDecision{
		Action:          api.ActionAllow,
		ActionsRequired: make(map[string]api.CategoryAction),
	}
	if len(matching) == 0 {
		return decision, nil
	}

	started := time.Now()
	results := make([]*api.SafetyCheckResult, len(matching))

	// Per-model timeouts are independent; a timed-out model contributes
	// no verdict. The errgroup never propagates model errors because a
	// failed model must not abort its siblings.
	var group errgroup.Group
	for i, m := range matching {
		i, m := i, m
		group.Go(func() error {
			select {
			case e.workerSem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			defer func() { <-e.workerSem }()

			timeout := m.config.Timeout
			if timeout <= 0 {
				timeout = defaultModelTimeout
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result, err := m.executor.Check(checkCtx, text)
			if err != nil {
				logging.Warn("Safety", "Safety model %s contributed no verdict: %v", m.config.Model, err)
				return nil
			}
			results[i] = result
			return nil
		})
	}
	group.Wait()
	decision.TotalDuration = time.Since(started)

	succeeded := 0
	for i, result := range results {
		if result == nil {
			continue
		}
		succeeded++
		for _, verdict := range result.Verdicts {
			decision.Verdicts = append(decision.Verdicts, verdict)
			action := actionFor(matching[i].config, verdict.Category)
			if existing, ok := decision.ActionsRequired[verdict.Category]; ok {
				action = existing.Strongest(action)
			}
			decision.ActionsRequired[verdict.Category] = action
			decision.Action = decision.Action.Strongest(action)
		}
	}

	if succeeded == 0 {
		if failClosed {
			return nil, api.NewError(api.ErrKindContentFilter, "all safety models failed and the engine is fail-closed")
		}
		// Fail-open is the documented default.
		logging.Warn("Safety", "All %d safety models failed or timed out; allowing", len(matching))
		return decision, nil
	}

	switch decision.Action {
	case api.ActionNotify:
		events.Publish(events.EventSafetyApprovalRequested, map[string]interface{}{
			"notify_only": true,
			"details":     e.details(decision, direction, text),
		})
	case api.ActionAsk:
		approved := e.gate.Request(ctx, e.details(decision, direction, text))
		if !approved {
			return nil, api.NewError(api.ErrKindContentFilter, "request blocked pending approval was denied")
		}
	}

	return decision, nil
}

func (e *Engine) details(decision *api.SafetyDecision, direction api.ScanDirection, text string) api.GuardrailApprovalDetails {
	const flaggedTextLimit = 2048
	flagged := text
	if len(flagged) > flaggedTextLimit {
		flagged = flagged[:flaggedTextLimit]
	}
	return api.GuardrailApprovalDetails{
		Verdicts:        decision.Verdicts,
		ActionsRequired: decision.ActionsRequired,
		TotalDurationMs: decision.TotalDuration.Milliseconds(),
		ScanDirection:   direction,
		FlaggedText:     flagged,
	}
}

// actionFor resolves the configured action for a flagged category.
// Categories the config does not mention default to Notify so a new
// model revision surfacing new categories is visible without blocking.
func actionFor(mc config.SafetyModelConfig, category string) api.CategoryAction {
	if action, ok := mc.Categories[category]; ok {
		return action
	}
	return api.ActionNotify
}
