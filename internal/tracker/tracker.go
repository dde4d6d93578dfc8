// Package tracker keeps the bounded in-memory ring of recent generation
// records and exports usage metrics. Records are created once at
// response completion, never mutated, and evicted FIFO when the ring is
// full.
package tracker

import (
	"context"
	"sync"

	"localrouter/internal/api"
	"localrouter/pkg/logging"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Tracker implements api.TrackerHandler.
type Tracker struct {
	mu       sync.RWMutex
	ring     []api.GenerationRecord
	byID     map[string]int // id -> ring index
	head     int
	size     int
	capacity int

	requestCounter   metric.Int64Counter
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	costCounter      metric.Float64Counter
	latencyHistogram metric.Int64Histogram
}

// New creates a tracker with the given ring capacity. The meter may be
// a no-op in tests.
func New(capacity int, meter metric.Meter) *Tracker {
	if capacity <= 0 {
		capacity = 1000
	}
	t := &Tracker{
		ring:     make([]api.GenerationRecord, capacity),
		byID:     make(map[string]int, capacity),
		capacity: capacity,
	}

	var err error
	if t.requestCounter, err = meter.Int64Counter("localrouter.generations",
		metric.WithDescription("Completed generations")); err != nil {
		logging.Warn("Tracker", "Failed to create generations counter: %v", err)
	}
	if t.promptTokens, err = meter.Int64Counter("localrouter.tokens.prompt",
		metric.WithDescription("Prompt tokens consumed")); err != nil {
		logging.Warn("Tracker", "Failed to create prompt token counter: %v", err)
	}
	if t.completionTokens, err = meter.Int64Counter("localrouter.tokens.completion",
		metric.WithDescription("Completion tokens generated")); err != nil {
		logging.Warn("Tracker", "Failed to create completion token counter: %v", err)
	}
	if t.costCounter, err = meter.Float64Counter("localrouter.cost.usd",
		metric.WithDescription("Accumulated generation cost in USD")); err != nil {
		logging.Warn("Tracker", "Failed to create cost counter: %v", err)
	}
	if t.latencyHistogram, err = meter.Int64Histogram("localrouter.latency.ms",
		metric.WithDescription("Generation latency in milliseconds")); err != nil {
		logging.Warn("Tracker", "Failed to create latency histogram: %v", err)
	}

	return t
}

// Register registers the tracker with the api locator.
func (t *Tracker) Register() {
	api.RegisterTracker(t)
}

// Record implements api.TrackerHandler. Writes take a brief exclusive
// lock; metric updates happen outside it.
func (t *Tracker) Record(rec api.GenerationRecord) {
	t.mu.Lock()
	if t.size == t.capacity {
		// Evict the oldest record.
		evicted := t.ring[t.head]
		delete(t.byID, evicted.ID)
	} else {
		t.size++
	}
	t.ring[t.head] = rec
	t.byID[rec.ID] = t.head
	t.head = (t.head + 1) % t.capacity
	t.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("provider", rec.Provider),
		attribute.String("model", rec.Model),
	)
	ctx := context.Background()
	if t.requestCounter != nil {
		t.requestCounter.Add(ctx, 1, attrs)
	}
	if t.promptTokens != nil {
		t.promptTokens.Add(ctx, int64(rec.PromptTokens), attrs)
	}
	if t.completionTokens != nil {
		t.completionTokens.Add(ctx, int64(rec.CompletionTokens), attrs)
	}
	if t.costCounter != nil {
		t.costCounter.Add(ctx, rec.Cost, attrs)
	}
	if t.latencyHistogram != nil {
		t.latencyHistogram.Record(ctx, rec.LatencyMs, attrs)
	}
}

// Get implements api.TrackerHandler. Reads take a shared lock and
// return a copy.
func (t *Tracker) Get(id string) (*api.GenerationRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	rec := t.ring[idx]
	return &rec, true
}

// List implements api.TrackerHandler, returning up to limit records,
// newest first.
func (t *Tracker) List(limit int) []api.GenerationRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]api.GenerationRecord, 0, n)
	for i := 0; i < n; i++ {
		idx := (t.head - 1 - i + t.capacity*2) % t.capacity
		out = append(out, t.ring[idx])
	}
	return out
}

// Len returns the number of records currently held.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
