package oauth

import (
	"sync"

	"localrouter/internal/api"
)

// PortPool hands out loopback ports for OAuth callback listeners. Each
// flow claims exactly one port and must release it on any terminal
// transition.
type PortPool struct {
	mu    sync.Mutex
	free  []int
	inUse map[int]bool
}

// DefaultCallbackPorts is the default pool. The range is registered in
// provider redirect-URI allowlists, so it is fixed rather than
// ephemeral.
var DefaultCallbackPorts = []int{8901, 8902, 8903, 8904, 8905, 8906, 8907, 8908}

// NewPortPool creates a pool over the given ports.
func NewPortPool(ports []int) *PortPool {
	if len(ports) == 0 {
		ports = DefaultCallbackPorts
	}
	free := make([]int, len(ports))
	copy(free, ports)
	return &PortPool{
		free:  free,
		inUse: make(map[int]bool),
	}
}

// Claim takes a free port. When none is available the caller gets an
// oauth_browser error and must not start the flow.
func (p *PortPool) Claim() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, api.NewError(api.ErrKindOAuthBrowser, "no callback port available")
	}
	port := p.free[0]
	p.free = p.free[1:]
	p.inUse[port] = true
	return port, nil
}

// Release returns a port to the free set. Releasing an unclaimed port
// is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[port] {
		return
	}
	delete(p.inUse, port)
	p.free = append(p.free, port)
}

// Available returns the number of free ports.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
