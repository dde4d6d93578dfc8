package events

import (
	"time"
)

// EventName identifies an event emitted to the desktop shell. The name
// and the JSON payload are the contract; the transport that delivers
// them to the shell is a collaborator detail.
type EventName string

const (
	// EventServerStarted fires when the HTTP server begins accepting
	// requests.
	EventServerStarted EventName = "server.started"

	// EventServerStopped fires when the HTTP server has shut down.
	EventServerStopped EventName = "server.stopped"

	// EventMCPBackendState fires on every MCP backend lifecycle
	// transition.
	EventMCPBackendState EventName = "mcp.backend.state"

	// EventOAuthFlowCompleted fires when an OAuth flow reaches
	// Succeeded.
	EventOAuthFlowCompleted EventName = "oauth.flow.completed"

	// EventOAuthFlowFailed fires when an OAuth flow reaches Failed,
	// TimedOut, or Cancelled.
	EventOAuthFlowFailed EventName = "oauth.flow.failed"

	// EventSafetyApprovalRequested fires when a safety check resolves
	// to Ask and a decision is needed.
	EventSafetyApprovalRequested EventName = "safety.approval.requested"
)

// Event is one notification to the shell.
type Event struct {
	Name      EventName              `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}
