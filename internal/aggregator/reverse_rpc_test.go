package aggregator

import (
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceParams(t *testing.T) {
	params := json.RawMessage(`{"name":"search","other":1}`)
	out := NamespaceParams("backend1", params)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "backend1::search", decoded["name"])
	assert.Equal(t, float64(1), decoded["other"])
}

func TestStripParams(t *testing.T) {
	params := json.RawMessage(`{"name":"backend1::search"}`)
	out := StripParams("backend1", params)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "search", decoded["name"])

	// Names owned by another backend are not rewritten.
	params = json.RawMessage(`{"name":"backend2::search"}`)
	out = StripParams("backend1", params)
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "backend2::search", decoded["name"])
}

func TestRewriteParams_NonObjectPassThrough(t *testing.T) {
	params := json.RawMessage(`[1,2,3]`)
	assert.Equal(t, params, NamespaceParams("b", params))
	assert.Equal(t, json.RawMessage(nil), NamespaceParams("b", nil))
}

func TestProxyReverseRequest_PreservesIDSpaces(t *testing.T) {
	session := newSession("client-1")

	// The backend asks with its own request ID 5; the client sees the
	// session's local ID instead.
	localID, params, responseCh, err := ProxyReverseRequest(
		session, "backend1", "sampling/createMessage", 5,
		json.RawMessage(`{"name":"summarize"}`))
	require.NoError(t, err)
	assert.NotEqual(t, 5, localID)
	assert.Contains(t, string(params), "backend1::summarize")

	// The client answers with the local ID; the session recovers the
	// backend's original ID for the response relay.
	upstreamID, ok := session.CompleteRequest(localID, &mcp.JSONRPCResponse{})
	require.True(t, ok)
	assert.Equal(t, 5, upstreamID)

	select {
	case <-responseCh:
	default:
		t.Fatal("response not delivered")
	}
}

func TestProxyReverseRequest_RejectsUnknownMethod(t *testing.T) {
	session := newSession("client-1")
	_, _, _, err := ProxyReverseRequest(session, "b", "tools/call", 1, nil)
	require.Error(t, err)
	assert.Zero(t, session.PendingCount())
}
