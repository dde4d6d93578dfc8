package config

import (
	"fmt"

	"localrouter/internal/api"
)

// Validate checks cross-field constraints the YAML schema cannot
// express. It is called after every load so a malformed file never
// reaches the subsystems.
func Validate(config *LocalRouterConfig) error {
	seenProviders := make(map[string]bool)
	for _, p := range config.Providers {
		if p.ID == "" {
			return api.NewError(api.ErrKindConfig, "provider entry missing id")
		}
		if seenProviders[p.ID] {
			return api.NewError(api.ErrKindConfig, "duplicate provider %q", p.ID)
		}
		seenProviders[p.ID] = true
	}

	seenRouters := make(map[string]bool)
	for _, r := range config.Routers {
		if r.Name == "" {
			return api.NewError(api.ErrKindConfig, "router entry missing name")
		}
		if seenRouters[r.Name] {
			return api.NewError(api.ErrKindConfig, "duplicate router %q", r.Name)
		}
		seenRouters[r.Name] = true
		if r.Threshold < 0 || r.Threshold > 1 {
			return api.NewError(api.ErrKindConfig, "router %q threshold %v outside [0,1]", r.Name, r.Threshold)
		}
		for _, sel := range []struct {
			label string
			model api.DirectModel
		}{
			{"strong", r.Strong},
			{"weak", r.Weak},
			{"fallback", r.Fallback},
		} {
			if sel.model.Provider == "" || sel.model.Model == "" {
				return api.NewError(api.ErrKindConfig, "router %q %s selection incomplete", r.Name, sel.label)
			}
		}
	}

	seenBackends := make(map[string]bool)
	for _, s := range config.MCPServers {
		if s.ID == "" {
			return api.NewError(api.ErrKindConfig, "mcp server entry missing id")
		}
		if seenBackends[s.ID] {
			return api.NewError(api.ErrKindConfig, "duplicate mcp server %q", s.ID)
		}
		seenBackends[s.ID] = true
		switch s.Transport {
		case MCPTransportStdio:
			if s.Command == "" {
				return api.NewError(api.ErrKindConfig, "mcp server %q uses stdio but has no command", s.ID)
			}
		case MCPTransportStreamableHTTP, MCPTransportSSE:
			if s.URL == "" {
				return api.NewError(api.ErrKindConfig, "mcp server %q uses %s but has no url", s.ID, s.Transport)
			}
		default:
			return api.NewError(api.ErrKindConfig, "mcp server %q has unknown transport %q", s.ID, s.Transport)
		}
		if s.Auth.Type == MCPAuthOAuth && s.Auth.OAuth == nil {
			return api.NewError(api.ErrKindConfig, "mcp server %q declares oauth auth without oauth config", s.ID)
		}
	}

	for _, m := range config.Safety.Models {
		if m.Model == "" {
			return api.NewError(api.ErrKindConfig, "safety model entry missing model")
		}
		switch m.Backend {
		case SafetyBackendProvider:
			if m.Provider == "" {
				return api.NewError(api.ErrKindConfig, "safety model %q routed via provider but provider unset", m.Model)
			}
		case SafetyBackendLocalGguf:
			if m.Path == "" {
				return api.NewError(api.ErrKindConfig, "safety model %q is local-gguf but path unset", m.Model)
			}
		default:
			return api.NewError(api.ErrKindConfig, "safety model %q has unknown backend %q", m.Model, m.Backend)
		}
		switch m.Direction {
		case api.ScanInput, api.ScanOutput, api.ScanBoth:
		default:
			return api.NewError(api.ErrKindConfig, "safety model %q has unknown direction %q", m.Model, m.Direction)
		}
		for category, action := range m.Categories {
			switch action {
			case api.ActionAllow, api.ActionNotify, api.ActionAsk:
			default:
				return api.NewError(api.ErrKindConfig, "safety model %q category %q has unknown action %q", m.Model, category, action)
			}
		}
	}

	if config.Tracker.Capacity < 0 {
		return fmt.Errorf("tracker capacity must not be negative")
	}

	return nil
}
