package aggregator

import (
	"encoding/json"

	"localrouter/internal/api"

	"github.com/mark3labs/mcp-go/mcp"
)

// Reverse-RPC: backends may send requests to the connected client
// (sampling/createMessage, elicitation/create). The gateway forwards
// them with the session assigning a fresh ID in the client-facing ID
// space and rewriting any tool or resource names between the backend's
// local namespace and the gateway namespace. Request ID spaces are
// preserved per direction: the backend's IDs never leak to the client
// and vice versa.

// reverseRPCMethods are the backend-to-client request methods the
// gateway proxies.
var reverseRPCMethods = map[string]bool{
	"sampling/createMessage": true,
	"elicitation/create":     true,
	"roots/list":             true,
}

// IsReverseRPCMethod reports whether a backend-initiated method is
// proxied to the client.
func IsReverseRPCMethod(method string) bool {
	return reverseRPCMethods[method]
}

// namespacedParamKeys are the parameter fields that carry item names
// needing namespace rewriting when they cross the gateway boundary.
var namespacedParamKeys = []string{"name", "toolName", "uri"}

// NamespaceParams rewrites name-carrying fields from a backend's local
// namespace into the gateway namespace. Params that are not a JSON
// object pass through untouched.
func NamespaceParams(backendID string, params json.RawMessage) json.RawMessage {
	return rewriteParams(params, func(value string) string {
		return NamespacedName(backendID, value)
	})
}

// StripParams rewrites gateway-namespaced fields back into a backend's
// local namespace. Fields belonging to a different backend are left
// alone so a malformed client cannot redirect a call.
func StripParams(backendID string, params json.RawMessage) json.RawMessage {
	return rewriteParams(params, func(value string) string {
		owner, local, ok := SplitNamespacedName(value)
		if !ok || owner != backendID {
			return value
		}
		return local
	})
}

func rewriteParams(params json.RawMessage, rewrite func(string) string) json.RawMessage {
	if len(params) == 0 {
		return params
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return params
	}
	changed := false
	for _, key := range namespacedParamKeys {
		if value, ok := decoded[key].(string); ok {
			rewritten := rewrite(value)
			if rewritten != value {
				decoded[key] = rewritten
				changed = true
			}
		}
	}
	if !changed {
		return params
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return params
	}
	return encoded
}

// ProxyReverseRequest forwards a backend-initiated request to the
// session's client: the session assigns a client-facing ID and the
// params are rewritten into the gateway namespace. The returned
// channel yields the client's response; the caller rewrites its result
// back with StripParams before handing it to the backend, using the
// returned upstream ID.
func ProxyReverseRequest(session *Session, backendID, method string, backendRequestID interface{}, params json.RawMessage) (int64, json.RawMessage, <-chan *mcp.JSONRPCResponse, error) {
	if !IsReverseRPCMethod(method) {
		return 0, nil, nil, api.NewError(api.ErrKindMCP, "method %q is not a proxied reverse-RPC method", method)
	}
	localID, responseCh := session.TrackRequest(backendID, backendRequestID, directionBackendToClient)
	return localID, NamespaceParams(backendID, params), responseCh, nil
}
