// Package ratelimit admits requests per API key: a token bucket over
// estimated prompt tokens plus a concurrency cap. Buckets are spread
// over 16 lock shards by a hash of the key ID, so unrelated keys contend
// only when they hash to the same shard.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"localrouter/internal/api"

	"golang.org/x/time/rate"
)

const shardCount = 16

// Limits are the effective limits for one key.
type Limits struct {
	TokensPerMinute int
	MaxConcurrent   int
}

// LimitsResolver returns the limits for a key, folding any per-key
// override over the service defaults.
type LimitsResolver func(keyID string) Limits

type keyState struct {
	bucket      *rate.Limiter
	inFlight    int
	maxInFlight int
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

// Limiter implements api.RateLimiterHandler.
type Limiter struct {
	resolver LimitsResolver
	shards   [shardCount]*shard
}

// NewLimiter creates a limiter using resolver for per-key limits.
func NewLimiter(resolver LimitsResolver) *Limiter {
	l := &Limiter{resolver: resolver}
	for i := range l.shards {
		l.shards[i] = &shard{keys: make(map[string]*keyState)}
	}
	return l
}

// Register registers the limiter with the api locator.
func (l *Limiter) Register() {
	api.RegisterRateLimiter(l)
}

func (l *Limiter) shardFor(keyID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(keyID))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) stateFor(sh *shard, keyID string) *keyState {
	state, ok := sh.keys[keyID]
	if ok {
		return state
	}

	limits := l.resolver(keyID)
	state = &keyState{maxInFlight: limits.MaxConcurrent}
	if limits.TokensPerMinute > 0 {
		perSecond := rate.Limit(float64(limits.TokensPerMinute) / 60.0)
		// Allow a full minute's worth of burst so a single large prompt
		// is not permanently refused.
		state.bucket = rate.NewLimiter(perSecond, limits.TokensPerMinute)
	}
	sh.keys[keyID] = state
	return state
}

// Acquire implements api.RateLimiterHandler. estTokens is the cheap
// pre-dispatch estimate; exact accounting happens post-hoc in the
// tracker.
func (l *Limiter) Acquire(keyID string, estTokens int) (api.ReleaseFunc, error) {
	sh := l.shardFor(keyID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	state := l.stateFor(sh, keyID)

	if state.maxInFlight > 0 && state.inFlight >= state.maxInFlight {
		err := api.NewError(api.ErrKindRateLimitExceeded, "too many concurrent requests")
		err.RetryAfter = time.Second
		return nil, err
	}

	if state.bucket != nil {
		reservation := state.bucket.ReserveN(time.Now(), estTokens)
		if !reservation.OK() {
			// The request exceeds the bucket capacity outright.
			err := api.NewError(api.ErrKindRateLimitExceeded, "request exceeds the per-minute token budget")
			err.RetryAfter = time.Minute
			return nil, err
		}
		if delay := reservation.Delay(); delay > 0 {
			reservation.Cancel()
			err := api.NewError(api.ErrKindRateLimitExceeded, "token budget exhausted")
			err.RetryAfter = delay
			return nil, err
		}
	}

	state.inFlight++
	var once sync.Once
	release := func() {
		once.Do(func() {
			sh.mu.Lock()
			defer sh.mu.Unlock()
			state.inFlight--
		})
	}
	return release, nil
}

// Forget drops cached state for a key, picking up changed limits on the
// next acquire. Called when a key is updated or deleted.
func (l *Limiter) Forget(keyID string) {
	sh := l.shardFor(keyID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.keys, keyID)
}

// EstimateTokens is the cheap pre-dispatch length heuristic: one token
// per four bytes of message content, minimum one.
func EstimateTokens(messages []api.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	estimate := total / 4
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}
