package config

import (
	"testing"

	"localrouter/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() LocalRouterConfig {
	config := GetDefaultConfig()
	config.Providers = []ProviderConfig{{ID: "openai", Enabled: true}}
	config.Routers = []RouterConfig{{
		Name:      "default",
		Strong:    api.DirectModel{Provider: "openai", Model: "gpt-4o"},
		Weak:      api.DirectModel{Provider: "openai", Model: "gpt-4o-mini"},
		Threshold: 0.5,
		Fallback:  api.DirectModel{Provider: "openai", Model: "gpt-4o-mini"},
	}}
	return config
}

func TestValidate_Valid(t *testing.T) {
	config := validConfig()
	require.NoError(t, Validate(&config))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LocalRouterConfig)
	}{
		{"duplicate provider", func(c *LocalRouterConfig) {
			c.Providers = append(c.Providers, ProviderConfig{ID: "openai"})
		}},
		{"router threshold above one", func(c *LocalRouterConfig) {
			c.Routers[0].Threshold = 1.5
		}},
		{"router missing fallback model", func(c *LocalRouterConfig) {
			c.Routers[0].Fallback.Model = ""
		}},
		{"stdio server without command", func(c *LocalRouterConfig) {
			c.MCPServers = []MCPServerConfig{{ID: "x", Transport: MCPTransportStdio}}
		}},
		{"http server without url", func(c *LocalRouterConfig) {
			c.MCPServers = []MCPServerConfig{{ID: "x", Transport: MCPTransportStreamableHTTP}}
		}},
		{"unknown transport", func(c *LocalRouterConfig) {
			c.MCPServers = []MCPServerConfig{{ID: "x", Transport: "carrier-pigeon"}}
		}},
		{"oauth without config", func(c *LocalRouterConfig) {
			c.MCPServers = []MCPServerConfig{{
				ID: "x", Transport: MCPTransportStreamableHTTP, URL: "http://x",
				Auth: MCPAuthConfig{Type: MCPAuthOAuth},
			}}
		}},
		{"safety model unknown action", func(c *LocalRouterConfig) {
			c.Safety.Models = []SafetyModelConfig{{
				Model: "guard", Backend: SafetyBackendProvider, Provider: "openai",
				Direction:  api.ScanBoth,
				Categories: map[string]api.CategoryAction{"violence": "explode"},
			}}
		}},
		{"safety model unknown direction", func(c *LocalRouterConfig) {
			c.Safety.Models = []SafetyModelConfig{{
				Model: "guard", Backend: SafetyBackendProvider, Provider: "openai",
				Direction: "sideways",
			}}
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config := validConfig()
			test.mutate(&config)
			err := Validate(&config)
			require.Error(t, err)
			assert.Equal(t, api.ErrKindConfig, api.KindOf(err))
		})
	}
}
