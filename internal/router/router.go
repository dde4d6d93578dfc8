// Package router resolves a key's model selection to a concrete
// (provider, model) decision, consulting the classifier for named
// router policies.
package router

import (
	"context"
	"sync"

	"localrouter/internal/api"
	"localrouter/internal/config"
	"localrouter/pkg/logging"
)

// classifierInputMessages is how many trailing user messages feed the
// classifier.
const classifierInputMessages = 4

// classifierInputMaxBytes truncates the classifier input.
const classifierInputMaxBytes = 8 * 1024

// Router implements api.RouterHandler. The router table is swappable
// for config hot-reload.
type Router struct {
	mu      sync.RWMutex
	routers map[string]config.RouterConfig
}

// New creates a router from the configured policies.
func New(configs []config.RouterConfig) *Router {
	r := &Router{}
	r.SetRouters(configs)
	return r
}

// Register registers the router with the api locator.
func (r *Router) Register() {
	api.RegisterRouter(r)
}

// SetRouters swaps the router table.
func (r *Router) SetRouters(configs []config.RouterConfig) {
	table := make(map[string]config.RouterConfig, len(configs))
	for _, rc := range configs {
		table[rc.Name] = rc
	}
	r.mu.Lock()
	r.routers = table
	r.mu.Unlock()
}

// HasRouter implements api.RouterHandler.
func (r *Router) HasRouter(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routers[name]
	return ok
}

// Resolve implements api.RouterHandler.
func (r *Router) Resolve(ctx context.Context, sel api.ModelSelection, messages []api.ChatMessage) (*api.RouteDecision, error) {
	if sel.Direct != nil {
		return &api.RouteDecision{
			Provider: sel.Direct.Provider,
			Model:    sel.Direct.Model,
		}, nil
	}
	if sel.Router == nil {
		return nil, api.NewError(api.ErrKindRouter, "model selection is empty")
	}

	r.mu.RLock()
	rc, ok := r.routers[sel.Router.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, api.NewError(api.ErrKindRouter, "no router named %q", sel.Router.Name)
	}

	classifier := api.GetClassifier()
	if classifier == nil {
		logging.Warn("Router", "No classifier registered, using fallback for router %q", rc.Name)
		return fallbackDecision(rc), nil
	}

	input := BuildClassifierInput(messages)
	winRate, err := classifier.Predict(ctx, input)
	if err != nil {
		logging.Warn("Router", "Classifier unavailable for router %q, using fallback: %v", rc.Name, err)
		return fallbackDecision(rc), nil
	}

	decision := &api.RouteDecision{
		RouterName: rc.Name,
		WinRate:    &winRate,
	}
	if winRate >= rc.Threshold {
		decision.Provider = rc.Strong.Provider
		decision.Model = rc.Strong.Model
	} else {
		decision.Provider = rc.Weak.Provider
		decision.Model = rc.Weak.Model
	}
	logging.Debug("Router", "Router %q: win_rate=%.3f threshold=%.3f -> %s/%s",
		rc.Name, winRate, rc.Threshold, decision.Provider, decision.Model)
	return decision, nil
}

func fallbackDecision(rc config.RouterConfig) *api.RouteDecision {
	return &api.RouteDecision{
		Provider:   rc.Fallback.Provider,
		Model:      rc.Fallback.Model,
		RouterName: rc.Name,
		Fallback:   true,
	}
}

// BuildClassifierInput concatenates the last few user messages,
// truncated to the input budget. Only user text feeds the classifier;
// assistant turns and system prompts do not.
func BuildClassifierInput(messages []api.ChatMessage) string {
	var userMessages []string
	for i := len(messages) - 1; i >= 0 && len(userMessages) < classifierInputMessages; i-- {
		if messages[i].Role == "user" {
			userMessages = append(userMessages, messages[i].Content)
		}
	}

	// Restore chronological order.
	var b []byte
	for i := len(userMessages) - 1; i >= 0; i-- {
		if len(b) > 0 {
			b = append(b, '\n')
		}
		b = append(b, userMessages[i]...)
	}
	if len(b) > classifierInputMaxBytes {
		b = b[:classifierInputMaxBytes]
	}
	return string(b)
}
