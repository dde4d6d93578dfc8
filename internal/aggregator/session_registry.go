package aggregator

import (
	"fmt"
	"sync"
	"time"

	"localrouter/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultSessionTimeout is how long an idle session survives before
// cleanup.
const DefaultSessionTimeout = 30 * time.Minute

// pendingDirection distinguishes the two request ID spaces a session
// proxies: requests the client sent to a backend, and reverse-RPC
// requests (sampling, elicitation) a backend sent to the client.
type pendingDirection int

const (
	directionClientToBackend pendingDirection = iota
	directionBackendToClient
)

// pendingRequest is one in-flight proxied request.
type pendingRequest struct {
	BackendID string
	// UpstreamID is the ID in the originator's space; the session
	// assigns a fresh ID in the recipient's space and rewrites it back
	// on the response.
	UpstreamID interface{}
	Direction  pendingDirection
	Response   chan *mcp.JSONRPCResponse
}

// Session is the per-client state of one gateway connection.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	lastAccess time.Time
	// initialized tracks which backends this session has touched, for
	// sessions that carry per-backend notions of initialization.
	initialized map[string]bool
	// pending maps the locally assigned request ID to the in-flight
	// request, for both directions.
	pending map[int64]*pendingRequest
	nextID  int64
	// notifications is the ordered outbound notification queue.
	notifications chan mcp.JSONRPCNotification
}

func newSession(id string) *Session {
	return &Session{
		ID:            id,
		CreatedAt:     time.Now(),
		lastAccess:    time.Now(),
		initialized:   make(map[string]bool),
		pending:       make(map[int64]*pendingRequest),
		notifications: make(chan mcp.JSONRPCNotification, 64),
	}
}

// Touch refreshes the idle timer.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// MarkInitialized records that this session initialized a backend.
func (s *Session) MarkInitialized(backendID string) {
	s.mu.Lock()
	s.initialized[backendID] = true
	s.mu.Unlock()
}

// HasInitialized reports whether the session initialized a backend.
func (s *Session) HasInitialized(backendID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized[backendID]
}

// TrackRequest assigns a fresh local ID for a proxied request and
// registers it as pending. The caller rewrites the wire message to the
// returned ID; the response is matched back through CompleteRequest.
func (s *Session) TrackRequest(backendID string, upstreamID interface{}, direction pendingDirection) (int64, <-chan *mcp.JSONRPCResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	pending := &pendingRequest{
		BackendID:  backendID,
		UpstreamID: upstreamID,
		Direction:  direction,
		Response:   make(chan *mcp.JSONRPCResponse, 1),
	}
	s.pending[id] = pending
	return id, pending.Response
}

// CompleteRequest resolves a pending request by local ID. IDs compare
// by their canonical string form so a numeric 1 from one peer matches
// the stringified "1" the other peer echoed back.
func (s *Session) CompleteRequest(localID interface{}, response *mcp.JSONRPCResponse) (interface{}, bool) {
	canonical := canonicalID(localID)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, pending := range s.pending {
		if canonicalID(id) != canonical {
			continue
		}
		delete(s.pending, id)
		pending.Response <- response
		return pending.UpstreamID, true
	}
	return nil, false
}

// PendingCount returns the number of in-flight proxied requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Notify enqueues an outbound notification. Notifications keep arrival
// order; a full queue drops the oldest entry rather than blocking the
// backend reader.
func (s *Session) Notify(notification mcp.JSONRPCNotification) {
	for {
		select {
		case s.notifications <- notification:
			return
		default:
			select {
			case dropped := <-s.notifications:
				logging.Warn("Aggregator", "Session %s notification queue full, dropping %s",
					logging.TruncateSecret(s.ID), dropped.Method)
			default:
			}
		}
	}
}

// Notifications exposes the outbound queue.
func (s *Session) Notifications() <-chan mcp.JSONRPCNotification {
	return s.notifications
}

// canonicalID normalizes JSON-RPC IDs for comparison: numeric and
// string forms of the same value compare equal only through this single
// canonical form, never by loose type coercion at call sites.
func canonicalID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// SessionRegistry tracks all live sessions and expires idle ones.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
}

// NewSessionRegistry creates a registry with the given idle timeout.
func NewSessionRegistry(timeout time.Duration) *SessionRegistry {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		timeout:  timeout,
	}
}

// GetOrCreate returns the session for id, creating it if needed.
func (r *SessionRegistry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Touch()
		return s
	}
	s := newSession(id)
	r.sessions[id] = s
	logging.Debug("Aggregator", "Created session %s", logging.TruncateSecret(id))
	return s
}

// Get returns an existing session.
func (r *SessionRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove drops a session.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ExpireIdle removes sessions idle past the timeout and returns how
// many were dropped.
func (r *SessionRegistry) ExpireIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := 0
	for id, s := range r.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastAccess) > r.timeout
		s.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			expired++
		}
	}
	return expired
}
