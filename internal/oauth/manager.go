// Package oauth implements the browser OAuth 2.0 + PKCE flow manager
// for MCP backends that require authorization: callback listener pool,
// state matching, code exchange, token persistence, and refresh.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/config"
	"localrouter/internal/events"
	"localrouter/internal/keychain"
	"localrouter/pkg/logging"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Manager coordinates OAuth flows. Each flow owns one callback
// listener on a port claimed from the pool; ports return to the pool
// on every terminal transition.
type Manager struct {
	mu      sync.Mutex
	flows   map[string]*Flow
	pool    *PortPool
	keych   keychain.KeychainStorage
	timeout time.Duration
}

// NewManager creates a flow manager persisting tokens to keych.
func NewManager(keych keychain.KeychainStorage, pool *PortPool) *Manager {
	if pool == nil {
		pool = NewPortPool(nil)
	}
	return &Manager{
		flows:   make(map[string]*Flow),
		pool:    pool,
		keych:   keych,
		timeout: DefaultFlowTimeout,
	}
}

// StartFlow claims a port, installs the one-shot callback listener,
// and returns the flow carrying the authorization URL for the browser.
func (m *Manager) StartFlow(ctx context.Context, backendID string, clientCfg config.OAuthClientConfig) (*Flow, error) {
	port, err := m.pool.Claim()
	if err != nil {
		return nil, err
	}

	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	flow := &Flow{
		ID:        uuid.NewString(),
		BackendID: backendID,
		CreatedAt: time.Now(),
		config: &oauth2.Config{
			ClientID:    clientCfg.ClientID,
			RedirectURL: redirectURI,
			Scopes:      clientCfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  clientCfg.AuthURL,
				TokenURL: clientCfg.TokenURL,
			},
		},
		verifier: oauth2.GenerateVerifier(),
		state:    uuid.NewString(),
		port:     port,
		status:   api.FlowPending,
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		m.pool.Release(port)
		return nil, api.WrapError(api.ErrKindOAuthBrowser, err, "failed to bind callback port %d", port)
	}

	flowCtx, cancel := context.WithCancel(context.Background())
	flow.cancelFunc = cancel

	m.mu.Lock()
	m.flows[flow.ID] = flow
	m.mu.Unlock()

	go m.serveCallback(flowCtx, flow, listener)
	go m.watchTimeout(flowCtx, flow)

	logging.Info("OAuth", "Started flow %s for backend %s on port %d",
		logging.TruncateSecret(flow.ID), backendID, port)
	return flow, nil
}

// serveCallback runs the one-shot HTTP listener: it matches state,
// captures the code, performs the token exchange, and finishes the
// flow.
func (m *Manager) serveCallback(ctx context.Context, flow *Flow, listener net.Listener) {
	done := make(chan struct{})
	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			if query.Get("state") != flow.state {
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			if errCode := query.Get("error"); errCode != "" {
				m.finishFlow(flow, api.FlowFailed, nil, fmt.Sprintf("provider returned %s", errCode))
				fmt.Fprint(w, "Authorization failed. You can close this window.")
				close(done)
				return
			}
			code := query.Get("code")
			if code == "" {
				http.Error(w, "missing code", http.StatusBadRequest)
				return
			}

			if !flow.transition(api.FlowAwaitingExchange) {
				http.Error(w, "flow already finished", http.StatusGone)
				return
			}

			token, err := flow.config.Exchange(ctx, code, oauth2.VerifierOption(flow.verifier))
			if err != nil {
				m.finishFlow(flow, api.FlowFailed, nil, err.Error())
				fmt.Fprint(w, "Token exchange failed. You can close this window.")
				close(done)
				return
			}

			m.finishFlow(flow, api.FlowSucceeded, &TokenSet{
				AccessToken:  token.AccessToken,
				RefreshToken: token.RefreshToken,
				Expiry:       token.Expiry,
			}, "")
			fmt.Fprint(w, "Authorization complete. You can close this window.")
			close(done)
		}),
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		logging.Warn("OAuth", "Callback listener for flow %s ended: %v",
			logging.TruncateSecret(flow.ID), err)
	}
}

func (m *Manager) watchTimeout(ctx context.Context, flow *Flow) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
		m.finishFlow(flow, api.FlowTimedOut, nil, "no callback within the timeout window")
	}
}

// finishFlow applies a terminal transition exactly once: it persists
// tokens on success, releases the callback port, stops the listener,
// and publishes the completion event.
func (m *Manager) finishFlow(flow *Flow, status api.FlowStatus, tokens *TokenSet, reason string) {
	flow.mu.Lock()
	if flow.status.Terminal() {
		flow.mu.Unlock()
		return
	}
	flow.status = status
	flow.tokens = tokens
	flow.reason = reason
	flow.mu.Unlock()

	if flow.cancelFunc != nil {
		flow.cancelFunc()
	}
	m.pool.Release(flow.port)

	if status == api.FlowSucceeded && tokens != nil {
		if err := m.persistTokens(flow.BackendID, tokens); err != nil {
			logging.Error("OAuth", err, "Failed to persist tokens for backend %s", flow.BackendID)
		}
		logging.Audit(logging.AuditEvent{Action: "oauth_exchange", Outcome: "success", Target: flow.BackendID})
		events.Publish(events.EventOAuthFlowCompleted, map[string]interface{}{
			"flow_id": flow.ID,
			"backend": flow.BackendID,
		})
		return
	}

	logging.Audit(logging.AuditEvent{Action: "oauth_exchange", Outcome: "failure", Target: flow.BackendID, Error: reason})
	events.Publish(events.EventOAuthFlowFailed, map[string]interface{}{
		"flow_id": flow.ID,
		"backend": flow.BackendID,
		"status":  string(status),
		"reason":  reason,
	})
}

// Cancel cancels a pending flow.
func (m *Manager) Cancel(flowID string) error {
	m.mu.Lock()
	flow, ok := m.flows[flowID]
	m.mu.Unlock()
	if !ok {
		return api.NewError(api.ErrKindNotFound, "no OAuth flow %s", flowID)
	}
	m.finishFlow(flow, api.FlowCancelled, nil, "cancelled by caller")
	return nil
}

// Get returns a flow by ID.
func (m *Manager) Get(flowID string) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[flowID]
	return flow, ok
}

func tokenAccount(backendID string) string {
	return "oauth-" + backendID
}

func (m *Manager) persistTokens(backendID string, tokens *TokenSet) error {
	encoded, err := json.Marshal(tokens)
	if err != nil {
		return api.WrapError(api.ErrKindSerialization, err, "failed to encode token set")
	}
	return m.keych.Set(keychain.ServiceOAuthTokens, tokenAccount(backendID), string(encoded))
}

// AccessToken returns the persisted access token for a backend. Wired
// into the MCP manager as its token source.
func (m *Manager) AccessToken(backendID string) (string, bool) {
	raw, err := m.keych.Get(keychain.ServiceOAuthTokens, tokenAccount(backendID))
	if err != nil {
		return "", false
	}
	var tokens TokenSet
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return "", false
	}
	if tokens.AccessToken == "" {
		return "", false
	}
	return tokens.AccessToken, true
}

// Refresh swaps the persisted token set using the refresh token. On
// failure the stored tokens remain untouched and the caller is told to
// restart the flow.
func (m *Manager) Refresh(ctx context.Context, backendID string, clientCfg config.OAuthClientConfig) error {
	raw, err := m.keych.Get(keychain.ServiceOAuthTokens, tokenAccount(backendID))
	if err != nil {
		return api.WrapError(api.ErrKindOAuthBrowser, err, "no stored tokens for backend %s", backendID)
	}
	var tokens TokenSet
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		return api.WrapError(api.ErrKindSerialization, err, "stored tokens for backend %s are corrupt", backendID)
	}
	if tokens.RefreshToken == "" {
		return api.NewError(api.ErrKindOAuthBrowser, "backend %s has no refresh token; restart the flow", backendID)
	}

	cfg := &oauth2.Config{
		ClientID: clientCfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  clientCfg.AuthURL,
			TokenURL: clientCfg.TokenURL,
		},
	}
	source := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tokens.RefreshToken})
	refreshed, err := source.Token()
	if err != nil {
		return api.WrapError(api.ErrKindOAuthBrowser, err, "refresh for backend %s failed; restart the flow", backendID)
	}

	updated := &TokenSet{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		Expiry:       refreshed.Expiry,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = tokens.RefreshToken
	}
	// The swap is atomic from callers' perspective: either the new set
	// persists or the old one stays.
	if err := m.persistTokens(backendID, updated); err != nil {
		return err
	}
	logging.Audit(logging.AuditEvent{Action: "oauth_refresh", Outcome: "success", Target: backendID})
	return nil
}
