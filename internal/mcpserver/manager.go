package mcpserver

import (
	"context"
	"fmt"
	"sync"

	"localrouter/internal/api"
	"localrouter/internal/config"
	"localrouter/internal/events"
	"localrouter/internal/keychain"
	"localrouter/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// Backend is one managed MCP server: its transport client plus
// lifecycle state.
type Backend struct {
	ID     string
	Config config.MCPServerConfig

	mu     sync.RWMutex
	client MCPClient
	state  api.BackendState
	reason string
}

// State returns the backend's lifecycle state.
func (b *Backend) State() api.BackendState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// FailureReason returns the reason for a Failed state.
func (b *Backend) FailureReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// Client returns the backend's transport client.
func (b *Backend) Client() MCPClient {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client
}

func (b *Backend) setState(state api.BackendState, reason string) {
	b.mu.Lock()
	previous := b.state
	b.state = state
	b.reason = reason
	b.mu.Unlock()

	if previous == state {
		return
	}
	logging.Info("MCPServer", "Backend %s: %s -> %s", b.ID, previous, state)
	events.Publish(events.EventMCPBackendState, map[string]interface{}{
		"backend": b.ID,
		"from":    string(previous),
		"to":      string(state),
		"reason":  reason,
	})
}

// Manager owns the configured backends and drives their lifecycle.
// Backends start in NotStarted and are initialized lazily: the gateway
// calls EnsureReady only when a substantive call arrives.
type Manager struct {
	mu        sync.RWMutex
	backends  map[string]*Backend
	keych     keychain.KeychainStorage
	initGroup singleflight.Group
	// tokenSource resolves OAuth access tokens for backends that need
	// them; wired to the OAuth manager at bootstrap.
	tokenSource func(backendID string) (string, bool)
}

// NewManager builds backends from configuration.
func NewManager(configs []config.MCPServerConfig, keych keychain.KeychainStorage) *Manager {
	m := &Manager{
		backends: make(map[string]*Backend),
		keych:    keych,
	}
	for _, sc := range configs {
		m.backends[sc.ID] = &Backend{
			ID:     sc.ID,
			Config: sc,
			state:  api.BackendNotStarted,
		}
	}
	return m
}

// SetTokenSource wires the OAuth token lookup.
func (m *Manager) SetTokenSource(source func(backendID string) (string, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenSource = source
}

// Register adds a backend with a pre-built transport client. Used for
// dynamically registered backends whose transport already exists.
func (m *Manager) Register(cfg config.MCPServerConfig, client MCPClient) *Backend {
	b := &Backend{
		ID:     cfg.ID,
		Config: cfg,
		client: client,
		state:  api.BackendNotStarted,
	}
	m.mu.Lock()
	m.backends[cfg.ID] = b
	m.mu.Unlock()
	return b
}

// Get returns a backend by ID.
func (m *Manager) Get(id string) (*Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[id]
	return b, ok
}

// List returns all backends.
func (m *Manager) List() []*Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Backend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, b)
	}
	return out
}

// buildClient constructs the transport client for a backend, resolving
// authentication material.
func (m *Manager) buildClient(b *Backend) (MCPClient, error) {
	sc := b.Config
	headers := make(map[string]string)

	switch sc.Auth.Type {
	case config.MCPAuthBearer:
		token, err := m.keych.Get(keychain.ServiceAPIKeys, sc.Auth.BearerTokenRef)
		if err != nil {
			return nil, api.WrapError(api.ErrKindMCP, err, "bearer token for backend %s unavailable", sc.ID)
		}
		headers["Authorization"] = "Bearer " + token
	case config.MCPAuthOAuth:
		m.mu.RLock()
		source := m.tokenSource
		m.mu.RUnlock()
		if source == nil {
			return nil, api.NewError(api.ErrKindMCP, "backend %s requires OAuth but no token source is wired", sc.ID)
		}
		token, ok := source(sc.ID)
		if !ok {
			return nil, api.NewError(api.ErrKindMCP, "backend %s requires authorization; run its OAuth flow first", sc.ID)
		}
		headers["Authorization"] = "Bearer " + token
	}

	switch sc.Transport {
	case config.MCPTransportStdio:
		return NewStdioClient(sc.Command, sc.Args, sc.Env), nil
	case config.MCPTransportStreamableHTTP:
		return NewStreamableHTTPClient(sc.URL, headers), nil
	case config.MCPTransportSSE:
		return NewSSEClient(sc.URL, headers), nil
	default:
		return nil, api.NewError(api.ErrKindConfig, "backend %s has unknown transport %q", sc.ID, sc.Transport)
	}
}

// EnsureReady initializes a backend if it is not Ready yet: transport
// construction, the initialize handshake (Initialized), then capability
// listing (Ready). Concurrent callers share one in-flight
// initialization; waiters suspend until it completes.
func (m *Manager) EnsureReady(ctx context.Context, id string) (*Backend, error) {
	b, ok := m.Get(id)
	if !ok {
		return nil, api.NewError(api.ErrKindNotFound, "no MCP backend %q", id)
	}
	if b.State() == api.BackendReady {
		return b, nil
	}
	if b.State() == api.BackendStopping {
		return nil, api.NewError(api.ErrKindMCP, "backend %s is stopping", id)
	}

	_, err, _ := m.initGroup.Do(id, func() (interface{}, error) {
		if b.State() == api.BackendReady {
			return nil, nil
		}
		return nil, m.initialize(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Manager) initialize(ctx context.Context, b *Backend) error {
	b.setState(api.BackendStarting, "")

	// A pre-registered transport (dynamic registration, tests) is
	// reused; otherwise the transport is built from configuration.
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		var err error
		client, err = m.buildClient(b)
		if err != nil {
			b.setState(api.BackendFailed, err.Error())
			return err
		}
	}

	if err := client.Initialize(ctx); err != nil {
		b.setState(api.BackendFailed, err.Error())
		return api.WrapError(api.ErrKindMCP, err, "backend %s failed to initialize", b.ID)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.setState(api.BackendInitialized, "")

	// Listing completes the transition to Ready. A backend that
	// initialized but cannot list is failed, not half-ready.
	if _, err := client.ListTools(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logging.Debug("MCPServer", "Error closing backend %s after listing failure: %v", b.ID, closeErr)
		}
		b.setState(api.BackendFailed, err.Error())
		return api.WrapError(api.ErrKindMCP, err, "backend %s failed capability listing", b.ID)
	}

	b.setState(api.BackendReady, "")
	return nil
}

// Stop shuts a backend down.
func (m *Manager) Stop(id string) error {
	b, ok := m.Get(id)
	if !ok {
		return api.NewError(api.ErrKindNotFound, "no MCP backend %q", id)
	}

	b.setState(api.BackendStopping, "")
	client := b.Client()
	if client != nil {
		if err := client.Close(); err != nil {
			logging.Warn("MCPServer", "Error closing backend %s: %v", id, err)
		}
	}
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
	b.setState(api.BackendNotStarted, "")
	return nil
}

// StopAll shuts down every backend.
func (m *Manager) StopAll() {
	for _, b := range m.List() {
		if err := m.Stop(b.ID); err != nil {
			logging.Warn("MCPServer", "Error stopping backend %s: %v", b.ID, err)
		}
	}
}

// Describe summarizes backends for diagnostics.
func (m *Manager) Describe() map[string]string {
	out := make(map[string]string)
	for _, b := range m.List() {
		state := string(b.State())
		if reason := b.FailureReason(); reason != "" {
			state = fmt.Sprintf("%s (%s)", state, reason)
		}
		out[b.ID] = state
	}
	return out
}
