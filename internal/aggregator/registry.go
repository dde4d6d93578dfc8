// Package aggregator implements the MCP gateway: a single MCP server
// endpoint that virtualizes many backend servers under namespaced
// names, with deferred backend initialization and per-session state.
package aggregator

import (
	"fmt"
	"strings"
	"sync"

	"localrouter/internal/api"
)

// NamespaceSeparator joins backend ID and original name in every
// exposed tool, resource, and prompt name.
const NamespaceSeparator = "::"

// InitializeToolSuffix is the synthetic tool advertised for backends
// that are not Ready yet; invoking it triggers backend startup.
const InitializeToolSuffix = "__initialize"

// NamespacedName builds the gateway-visible name for a backend item.
func NamespacedName(backendID, name string) string {
	return backendID + NamespaceSeparator + name
}

// SplitNamespacedName resolves an exposed name back to (backend,
// original name).
func SplitNamespacedName(exposed string) (backendID, name string, ok bool) {
	parts := strings.SplitN(exposed, NamespaceSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// NameTracker records every exposed name and guards against collisions.
// The backend-ID prefix makes collisions structurally impossible, but
// the guard stays: a duplicate registration is a bug worth failing
// loudly on.
type NameTracker struct {
	mu sync.Mutex
	// names maps exposed name -> backend ID.
	names map[string]string
}

// NewNameTracker creates an empty tracker.
func NewNameTracker() *NameTracker {
	return &NameTracker{names: make(map[string]string)}
}

// Claim registers an exposed name for a backend. It fails when another
// backend already produced the same namespaced name.
func (nt *NameTracker) Claim(backendID, exposed string) error {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if owner, exists := nt.names[exposed]; exists && owner != backendID {
		return api.NewError(api.ErrKindMCP,
			"namespaced name %q already claimed by backend %s", exposed, owner)
	}
	nt.names[exposed] = backendID
	return nil
}

// ReleaseBackend drops every name a backend claimed.
func (nt *NameTracker) ReleaseBackend(backendID string) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	for name, owner := range nt.names {
		if owner == backendID {
			delete(nt.names, name)
		}
	}
}

// Owner returns the backend that claimed an exposed name.
func (nt *NameTracker) Owner(exposed string) (string, bool) {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	owner, ok := nt.names[exposed]
	return owner, ok
}

// Names returns all currently claimed names.
func (nt *NameTracker) Names() []string {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	out := make([]string, 0, len(nt.names))
	for name := range nt.names {
		out = append(out, name)
	}
	return out
}

// wrapBackendError decorates a backend failure with the backend ID for
// diagnosability while leaving JSON-RPC error content intact for the
// client.
func wrapBackendError(backendID string, err error) error {
	return fmt.Errorf("backend %s: %w", backendID, err)
}
