package events

import (
	"sync"
	"time"

	"localrouter/pkg/logging"
)

// defaultBufferSize bounds the per-subscriber queue. A slow shell must
// not block the core, so publishes to a full queue drop the event and
// log a warning instead of suspending the publisher.
const defaultBufferSize = 256

// Bus fans events out to subscribers. The desktop shell subscribes once
// at startup; tests subscribe to observe subsystem behavior.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	bufferSize  int
}

// NewBus creates an event bus with the default buffer size.
func NewBus() *Bus {
	return &Bus{bufferSize: defaultBufferSize}
}

// Subscribe returns a channel receiving all future events. The channel
// is closed by Close.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.bufferSize)
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers an event to every subscriber without blocking.
func (b *Bus) Publish(name EventName, payload map[string]interface{}) {
	event := Event{
		Name:      name,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			logging.Warn("Events", "Subscriber queue full, dropping event %s", name)
		}
	}
}

// Close closes all subscriber channels. Publish must not be called
// after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

// Global bus wiring. The bus is registered once at bootstrap; subsystems
// publish through the package functions so they stay decoupled from the
// wiring.
var (
	globalMu  sync.RWMutex
	globalBus *Bus
)

// SetBus installs the process-wide event bus.
func SetBus(b *Bus) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalBus = b
}

// Publish emits an event on the process-wide bus, if one is installed.
func Publish(name EventName, payload map[string]interface{}) {
	globalMu.RLock()
	b := globalBus
	globalMu.RUnlock()
	if b == nil {
		return
	}
	b.Publish(name, payload)
}
