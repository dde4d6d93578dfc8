package oauth

import (
	"sync"
	"time"

	"localrouter/internal/api"

	"golang.org/x/oauth2"
)

// DefaultFlowTimeout is how long a flow waits for the provider
// redirect before timing out.
const DefaultFlowTimeout = 300 * time.Second

// TokenSet is the outcome of a successful flow.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Flow is one in-progress browser authorization. All mutation goes
// through the manager, which owns the state machine:
//
//	Pending -> AwaitingExchange -> Succeeded | Failed
//
// with TimedOut and Cancelled as orthogonal terminal states. The
// callback port is released on every terminal transition.
type Flow struct {
	ID        string
	BackendID string
	CreatedAt time.Time

	config     *oauth2.Config
	verifier   string
	state      string
	port       int
	cancelFunc func()

	mu     sync.Mutex
	status api.FlowStatus
	tokens *TokenSet
	reason string
}

// Status returns the flow's current status.
func (f *Flow) Status() api.FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Tokens returns the token set for a Succeeded flow.
func (f *Flow) Tokens() (*TokenSet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != api.FlowSucceeded || f.tokens == nil {
		return nil, false
	}
	copied := *f.tokens
	return &copied, true
}

// FailureReason returns the reason for a Failed flow.
func (f *Flow) FailureReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// AuthURL is the provider authorization URL the user's browser visits.
func (f *Flow) AuthURL() string {
	return f.config.AuthCodeURL(f.state,
		oauth2.S256ChallengeOption(f.verifier),
		oauth2.AccessTypeOffline)
}

// Port returns the claimed callback port.
func (f *Flow) Port() int {
	return f.port
}

// transition moves the flow to a new status if it is not terminal yet.
// Returns false when the flow already reached a terminal state.
func (f *Flow) transition(status api.FlowStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Terminal() {
		return false
	}
	f.status = status
	return true
}
