package aggregator

import (
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistry_GetOrCreate(t *testing.T) {
	registry := NewSessionRegistry(time.Minute)

	s1 := registry.GetOrCreate("abc")
	s2 := registry.GetOrCreate("abc")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, registry.Count())

	registry.Remove("abc")
	assert.Equal(t, 0, registry.Count())
}

func TestSessionRegistry_ExpireIdle(t *testing.T) {
	registry := NewSessionRegistry(time.Minute)
	registry.GetOrCreate("stale")

	expired := registry.ExpireIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, registry.Count())
}

func TestSession_TrackAndCompleteRequest(t *testing.T) {
	s := newSession("test")

	localID, responseCh := s.TrackRequest("backend1", "orig-7", directionClientToBackend)
	assert.Equal(t, 1, s.PendingCount())

	response := &mcp.JSONRPCResponse{}
	upstreamID, ok := s.CompleteRequest(localID, response)
	require.True(t, ok)
	assert.Equal(t, "orig-7", upstreamID)
	assert.Equal(t, 0, s.PendingCount())

	select {
	case got := <-responseCh:
		assert.Same(t, response, got)
	default:
		t.Fatal("response not delivered")
	}
}

func TestSession_CompleteRequest_NumericAndStringIDsMatch(t *testing.T) {
	// Regression: a peer may echo the numeric request ID 1 back as the
	// JSON number 1 (float64 after decoding) or the string "1". Both
	// must resolve the same pending request through the canonical form.
	s := newSession("test")

	localID, _ := s.TrackRequest("backend1", 42, directionBackendToClient)

	// Echoed back as float64, as encoding/json decodes numbers.
	_, ok := s.CompleteRequest(float64(localID), &mcp.JSONRPCResponse{})
	assert.True(t, ok, "float64 form of the ID must match")

	localID, _ = s.TrackRequest("backend1", 43, directionBackendToClient)
	_, ok = s.CompleteRequest(canonicalID(localID), &mcp.JSONRPCResponse{})
	assert.True(t, ok, "string form of the ID must match")

	// A genuinely different ID does not match.
	s.TrackRequest("backend1", 44, directionBackendToClient)
	_, ok = s.CompleteRequest("999", &mcp.JSONRPCResponse{})
	assert.False(t, ok)
}

func TestCanonicalID(t *testing.T) {
	assert.Equal(t, "1", canonicalID(int64(1)))
	assert.Equal(t, "1", canonicalID(float64(1)))
	assert.Equal(t, "1", canonicalID("1"))
	assert.Equal(t, "1.5", canonicalID(float64(1.5)))
	assert.NotEqual(t, canonicalID("1"), canonicalID("01"))
}

func TestSession_NotificationsKeepOrder(t *testing.T) {
	s := newSession("test")

	for _, method := range []string{"a", "b", "c"} {
		s.Notify(mcp.JSONRPCNotification{
			Notification: mcp.Notification{Method: method},
		})
	}

	var got []string
	for i := 0; i < 3; i++ {
		notification := <-s.Notifications()
		got = append(got, notification.Method)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSession_NotificationOverflowDropsOldest(t *testing.T) {
	s := newSession("test")

	// Fill past capacity; the oldest entries are dropped, not the
	// newest, and Notify never blocks.
	for i := 0; i < 100; i++ {
		s.Notify(mcp.JSONRPCNotification{
			Notification: mcp.Notification{Method: methodName(i)},
		})
	}

	first := <-s.Notifications()
	assert.NotEqual(t, "m0", first.Method, "oldest must have been dropped")
}

func methodName(i int) string {
	return "m" + string(rune('0'+i%10))
}

func TestSession_MarkInitialized(t *testing.T) {
	s := newSession("test")
	assert.False(t, s.HasInitialized("backend1"))
	s.MarkInitialized("backend1")
	assert.True(t, s.HasInitialized("backend1"))
	assert.False(t, s.HasInitialized("backend2"))
}
