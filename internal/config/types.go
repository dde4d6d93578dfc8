package config

import (
	"time"

	"localrouter/internal/api"
)

const (
	// MCPTransportStdio runs the backend as a subprocess speaking
	// newline-delimited JSON-RPC on stdin/stdout.
	MCPTransportStdio = "stdio"
	// MCPTransportStreamableHTTP talks to a remote backend over HTTP,
	// consuming SSE when the server upgrades the response.
	MCPTransportStreamableHTTP = "streamable-http"
	// MCPTransportSSE is the legacy HTTP+SSE transport.
	MCPTransportSSE = "sse"
)

// LocalRouterConfig is the top-level configuration structure.
type LocalRouterConfig struct {
	Server     ServerConfig      `yaml:"server,omitempty"`
	Providers  []ProviderConfig  `yaml:"providers,omitempty"`
	Routers    []RouterConfig    `yaml:"routers,omitempty"`
	Classifier ClassifierConfig  `yaml:"classifier,omitempty"`
	Safety     SafetyConfig      `yaml:"safety,omitempty"`
	MCPServers []MCPServerConfig `yaml:"mcpServers,omitempty"`
	Tracker    TrackerConfig     `yaml:"tracker,omitempty"`
	RateLimits RateLimitConfig   `yaml:"rateLimits,omitempty"`
}

// ServerConfig defines the HTTP listener. The service is single-user
// and binds to loopback only.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"` // default: 127.0.0.1
	Port int    `yaml:"port,omitempty"` // default: 3625
}

// ProviderConfig configures one upstream LLM provider. Exactly one
// credential per provider; CredentialRef is the keychain account the
// API key is stored under.
type ProviderConfig struct {
	ID            string `yaml:"id"`
	CredentialRef string `yaml:"credentialRef,omitempty"`
	BaseURL       string `yaml:"baseURL,omitempty"`
	Enabled       bool   `yaml:"enabled"`
}

// RouterConfig names a strong/weak routing policy driven by the
// classifier.
type RouterConfig struct {
	Name       string          `yaml:"name"`
	Classifier string          `yaml:"classifier,omitempty"`
	Strong     api.DirectModel `yaml:"strong"`
	Weak       api.DirectModel `yaml:"weak"`
	Threshold  float64         `yaml:"threshold"`
	// Fallback is used when the classifier fails to load.
	Fallback api.DirectModel `yaml:"fallback"`
}

// ClassifierConfig configures the local classifier model.
type ClassifierConfig struct {
	// ModelPath points at the local model file (GGUF).
	ModelPath string `yaml:"modelPath,omitempty"`
	// ServerURL points at a llama.cpp-compatible server when the model
	// is not run in-process.
	ServerURL string `yaml:"serverURL,omitempty"`
	// IdleTimeout unloads the model after this much inactivity.
	// Zero disables idle unloading.
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty"`
	// LoadBackoff caches a load failure for this long so request storms
	// do not retry the load indefinitely.
	LoadBackoff time.Duration `yaml:"loadBackoff,omitempty"`
}

// SafetyBackend selects how a safety model executes.
type SafetyBackend string

const (
	// SafetyBackendProvider routes the check through the provider
	// registry like any other completion.
	SafetyBackendProvider SafetyBackend = "provider"
	// SafetyBackendLocalGguf runs the check against a local GGUF model.
	SafetyBackendLocalGguf SafetyBackend = "local-gguf"
)

// SafetyModelConfig configures one safety model in the fan-out.
type SafetyModelConfig struct {
	Model      string                        `yaml:"model"`
	Backend    SafetyBackend                 `yaml:"backend"`
	Provider   string                        `yaml:"provider,omitempty"` // for backend: provider
	Path       string                        `yaml:"path,omitempty"`     // for backend: local-gguf
	Categories map[string]api.CategoryAction `yaml:"categories"`
	Direction  api.ScanDirection             `yaml:"direction"`
	Timeout    time.Duration                 `yaml:"timeout,omitempty"`
}

// SafetyConfig configures the safety engine.
type SafetyConfig struct {
	Models []SafetyModelConfig `yaml:"models,omitempty"`
	// FailClosed blocks requests when every safety model fails or times
	// out. The documented default is fail-open.
	FailClosed bool `yaml:"failClosed,omitempty"`
	// ApprovalTimeout bounds how long an Ask verdict waits for the
	// shell's decision before denying. Default: 60s.
	ApprovalTimeout time.Duration `yaml:"approvalTimeout,omitempty"`
}

// MCPAuthType selects how the gateway authenticates to a backend.
type MCPAuthType string

const (
	MCPAuthNone   MCPAuthType = "none"
	MCPAuthBearer MCPAuthType = "bearer"
	MCPAuthOAuth  MCPAuthType = "oauth"
)

// MCPAuthConfig configures backend authentication.
type MCPAuthConfig struct {
	Type MCPAuthType `yaml:"type,omitempty"`
	// BearerTokenRef is the keychain account holding the bearer token.
	BearerTokenRef string `yaml:"bearerTokenRef,omitempty"`
	// OAuth holds the flow configuration for oauth-protected backends.
	OAuth *OAuthClientConfig `yaml:"oauth,omitempty"`
}

// OAuthClientConfig describes the authorization server of a backend.
type OAuthClientConfig struct {
	ClientID string   `yaml:"clientID"`
	AuthURL  string   `yaml:"authURL"`
	TokenURL string   `yaml:"tokenURL"`
	Scopes   []string `yaml:"scopes,omitempty"`
}

// MCPServerConfig configures one aggregated backend.
type MCPServerConfig struct {
	ID        string            `yaml:"id"`
	Transport string            `yaml:"transport"` // stdio | streamable-http | sse
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Auth      MCPAuthConfig     `yaml:"auth,omitempty"`
}

// TrackerConfig bounds the in-memory generation ring.
type TrackerConfig struct {
	Capacity int `yaml:"capacity,omitempty"` // default: 1000
}

// RateLimitConfig holds the default per-key limits; individual keys may
// override them.
type RateLimitConfig struct {
	TokensPerMinute int `yaml:"tokensPerMinute,omitempty"`
	MaxConcurrent   int `yaml:"maxConcurrent,omitempty"`
}
