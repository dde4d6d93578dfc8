package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/config"
	"localrouter/internal/keychain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenEndpoint is a mock authorization server token endpoint that
// verifies the PKCE verifier is present.
func tokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.NotEmpty(t, r.Form.Get("code_verifier"), "token exchange must carry the PKCE verifier")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-123",
			"refresh_token": "rt-456",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
}

func clientConfig(tokenURL string) config.OAuthClientConfig {
	return config.OAuthClientConfig{
		ClientID: "localrouter",
		AuthURL:  "https://provider.example/authorize",
		TokenURL: tokenURL,
		Scopes:   []string{"read"},
	}
}

func TestStartFlow_AuthURLCarriesPKCE(t *testing.T) {
	manager := NewManager(keychain.NewMemoryStorage(), NewPortPool([]int{18901}))

	flow, err := manager.StartFlow(context.Background(), "linear", clientConfig("https://provider.example/token"))
	require.NoError(t, err)
	defer manager.Cancel(flow.ID)

	authURL, err := url.Parse(flow.AuthURL())
	require.NoError(t, err)
	query := authURL.Query()
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.NotEmpty(t, query.Get("code_challenge"))
	assert.NotEmpty(t, query.Get("state"))
	assert.Contains(t, query.Get("redirect_uri"), "127.0.0.1:18901")
	assert.Equal(t, api.FlowPending, flow.Status())
}

func TestFlow_FullCallbackExchange(t *testing.T) {
	upstream := tokenEndpoint(t)
	defer upstream.Close()

	keych := keychain.NewMemoryStorage()
	pool := NewPortPool([]int{18902})
	manager := NewManager(keych, pool)

	flow, err := manager.StartFlow(context.Background(), "linear", clientConfig(upstream.URL))
	require.NoError(t, err)

	// Play the provider redirect: hit the callback with the right
	// state and a code.
	callbackURL := fmt.Sprintf("http://127.0.0.1:%d/callback?state=%s&code=authcode", flow.Port(), flow.state)
	resp, err := http.Get(callbackURL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool { return flow.Status() == api.FlowSucceeded },
		5*time.Second, 10*time.Millisecond)

	tokens, ok := flow.Tokens()
	require.True(t, ok)
	assert.Equal(t, "at-123", tokens.AccessToken)
	assert.Equal(t, "rt-456", tokens.RefreshToken)

	// Tokens persisted; the manager serves them as a token source.
	token, ok := manager.AccessToken("linear")
	require.True(t, ok)
	assert.Equal(t, "at-123", token)

	// The port returned to the pool on the terminal transition.
	assert.Equal(t, 1, pool.Available())
}

func TestFlow_StateMismatchRejected(t *testing.T) {
	manager := NewManager(keychain.NewMemoryStorage(), NewPortPool([]int{18903}))

	flow, err := manager.StartFlow(context.Background(), "linear", clientConfig("https://provider.example/token"))
	require.NoError(t, err)
	defer manager.Cancel(flow.ID)

	callbackURL := fmt.Sprintf("http://127.0.0.1:%d/callback?state=wrong&code=authcode", flow.Port())
	resp, err := http.Get(callbackURL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, api.FlowPending, flow.Status())
}

func TestFlow_ProviderErrorFails(t *testing.T) {
	pool := NewPortPool([]int{18904})
	manager := NewManager(keychain.NewMemoryStorage(), pool)

	flow, err := manager.StartFlow(context.Background(), "linear", clientConfig("https://provider.example/token"))
	require.NoError(t, err)

	callbackURL := fmt.Sprintf("http://127.0.0.1:%d/callback?state=%s&error=access_denied", flow.Port(), flow.state)
	resp, err := http.Get(callbackURL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Eventually(t, func() bool { return flow.Status() == api.FlowFailed },
		5*time.Second, 10*time.Millisecond)
	assert.Contains(t, flow.FailureReason(), "access_denied")
	assert.Equal(t, 1, pool.Available())
}

func TestFlow_CancelReleasesPort(t *testing.T) {
	pool := NewPortPool([]int{18905})
	manager := NewManager(keychain.NewMemoryStorage(), pool)

	flow, err := manager.StartFlow(context.Background(), "linear", clientConfig("https://provider.example/token"))
	require.NoError(t, err)
	require.Equal(t, 0, pool.Available())

	require.NoError(t, manager.Cancel(flow.ID))
	assert.Equal(t, api.FlowCancelled, flow.Status())
	assert.Equal(t, 1, pool.Available())

	// Cancelling twice is harmless; the state stays Cancelled and the
	// port is not double-released.
	require.NoError(t, manager.Cancel(flow.ID))
	assert.Equal(t, 1, pool.Available())
}

func TestFlow_Timeout(t *testing.T) {
	pool := NewPortPool([]int{18906})
	manager := NewManager(keychain.NewMemoryStorage(), pool)
	manager.timeout = 30 * time.Millisecond

	flow, err := manager.StartFlow(context.Background(), "linear", clientConfig("https://provider.example/token"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return flow.Status() == api.FlowTimedOut },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pool.Available())
}

func TestStartFlow_PoolExhausted(t *testing.T) {
	pool := NewPortPool([]int{18907})
	manager := NewManager(keychain.NewMemoryStorage(), pool)

	flow, err := manager.StartFlow(context.Background(), "a", clientConfig("https://provider.example/token"))
	require.NoError(t, err)
	defer manager.Cancel(flow.ID)

	_, err = manager.StartFlow(context.Background(), "b", clientConfig("https://provider.example/token"))
	require.Error(t, err)
	assert.Equal(t, api.ErrKindOAuthBrowser, api.KindOf(err))
}

func TestRefresh_FailureKeepsStoredTokens(t *testing.T) {
	keych := keychain.NewMemoryStorage()
	manager := NewManager(keych, NewPortPool([]int{18908}))

	original := &TokenSet{AccessToken: "old-at", RefreshToken: "old-rt"}
	require.NoError(t, manager.persistTokens("linear", original))

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer failing.Close()

	err := manager.Refresh(context.Background(), "linear", clientConfig(failing.URL))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "restart the flow"))

	// The stored tokens are untouched.
	token, ok := manager.AccessToken("linear")
	require.True(t, ok)
	assert.Equal(t, "old-at", token)
}

func TestRefresh_SwapsTokens(t *testing.T) {
	keych := keychain.NewMemoryStorage()
	manager := NewManager(keych, NewPortPool([]int{18909}))

	require.NoError(t, manager.persistTokens("linear", &TokenSet{AccessToken: "old-at", RefreshToken: "old-rt"}))

	refreshing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "old-rt", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer refreshing.Close()

	require.NoError(t, manager.Refresh(context.Background(), "linear", clientConfig(refreshing.URL)))

	token, ok := manager.AccessToken("linear")
	require.True(t, ok)
	assert.Equal(t, "new-at", token)

	// A response without a new refresh token keeps the old one.
	raw, err := keych.Get(keychain.ServiceOAuthTokens, "oauth-linear")
	require.NoError(t, err)
	var stored TokenSet
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, "old-rt", stored.RefreshToken)
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	manager := NewManager(keychain.NewMemoryStorage(), NewPortPool([]int{18910}))
	require.NoError(t, manager.persistTokens("linear", &TokenSet{AccessToken: "at"}))

	err := manager.Refresh(context.Background(), "linear", clientConfig("https://provider.example/token"))
	require.Error(t, err)
	assert.Equal(t, api.ErrKindOAuthBrowser, api.KindOf(err))
}
