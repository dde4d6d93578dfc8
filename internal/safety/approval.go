package safety

import (
	"context"
	"sync"
	"time"

	"localrouter/internal/api"
	"localrouter/internal/events"
	"localrouter/pkg/logging"

	"github.com/google/uuid"
)

// DefaultApprovalTimeout bounds how long an Ask verdict waits for the
// shell's decision. Expiry denies.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalGate suspends requests whose safety verdict requires a user
// decision. The gate publishes the details on the event channel and
// waits for the shell to answer via Resolve.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]chan bool
	timeout time.Duration
}

// NewApprovalGate creates a gate with the given decision timeout.
func NewApprovalGate(timeout time.Duration) *ApprovalGate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalGate{
		pending: make(map[string]chan bool),
		timeout: timeout,
	}
}

// Request publishes an approval request and blocks until the shell
// decides, the timeout expires, or ctx is cancelled. Timeout and
// cancellation deny.
func (g *ApprovalGate) Request(ctx context.Context, details api.GuardrailApprovalDetails) bool {
	id := uuid.NewString()
	decision := make(chan bool, 1)

	g.mu.Lock()
	g.pending[id] = decision
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	events.Publish(events.EventSafetyApprovalRequested, map[string]interface{}{
		"approval_id": id,
		"details":     details,
	})

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-decision:
		logging.Audit(logging.AuditEvent{
			Action:  "safety_approval",
			Outcome: outcome(approved),
			Details: string(details.ScanDirection),
		})
		return approved
	case <-timer.C:
		logging.Warn("Safety", "Approval %s timed out after %v, denying", id, g.timeout)
		return false
	case <-ctx.Done():
		return false
	}
}

// Resolve answers a pending approval. Unknown or already-resolved IDs
// return false.
func (g *ApprovalGate) Resolve(id string, approved bool) bool {
	g.mu.Lock()
	decision, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	decision <- approved
	return true
}

// PendingCount returns the number of undecided approvals.
func (g *ApprovalGate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func outcome(approved bool) string {
	if approved {
		return "success"
	}
	return "failure"
}
