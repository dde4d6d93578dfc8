package ratelimit

import (
	"testing"
	"time"

	"localrouter/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLimits(limits Limits) LimitsResolver {
	return func(string) Limits { return limits }
}

func TestAcquire_ConcurrencyCap(t *testing.T) {
	limiter := NewLimiter(fixedLimits(Limits{MaxConcurrent: 2}))

	release1, err := limiter.Acquire("key", 1)
	require.NoError(t, err)
	release2, err := limiter.Acquire("key", 1)
	require.NoError(t, err)

	_, err = limiter.Acquire("key", 1)
	require.Error(t, err)
	assert.Equal(t, api.ErrKindRateLimitExceeded, api.KindOf(err))
	assert.Greater(t, api.RetryAfterOf(err), time.Duration(0))

	release1()
	release3, err := limiter.Acquire("key", 1)
	require.NoError(t, err)
	release3()
	release2()
}

func TestAcquire_ReleaseIsIdempotent(t *testing.T) {
	limiter := NewLimiter(fixedLimits(Limits{MaxConcurrent: 1}))

	release, err := limiter.Acquire("key", 1)
	require.NoError(t, err)
	release()
	release() // double release must not free a second slot

	release, err = limiter.Acquire("key", 1)
	require.NoError(t, err)
	defer release()

	_, err = limiter.Acquire("key", 1)
	assert.Error(t, err)
}

func TestAcquire_TokenBudget(t *testing.T) {
	limiter := NewLimiter(fixedLimits(Limits{TokensPerMinute: 600}))

	// The burst allows a full minute's budget up front.
	release, err := limiter.Acquire("key", 600)
	require.NoError(t, err)
	release()

	// The bucket is now empty; the next request is refused with a
	// refill-derived Retry-After.
	_, err = limiter.Acquire("key", 300)
	require.Error(t, err)
	assert.Equal(t, api.ErrKindRateLimitExceeded, api.KindOf(err))
	retryAfter := api.RetryAfterOf(err)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestAcquire_OversizedRequest(t *testing.T) {
	limiter := NewLimiter(fixedLimits(Limits{TokensPerMinute: 100}))

	_, err := limiter.Acquire("key", 1000)
	require.Error(t, err)
	assert.Equal(t, api.ErrKindRateLimitExceeded, api.KindOf(err))
	assert.Equal(t, time.Minute, api.RetryAfterOf(err))
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(fixedLimits(Limits{MaxConcurrent: 1}))

	releaseA, err := limiter.Acquire("key-a", 1)
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := limiter.Acquire("key-b", 1)
	require.NoError(t, err)
	defer releaseB()
}

func TestForget_PicksUpNewLimits(t *testing.T) {
	limits := Limits{MaxConcurrent: 1}
	limiter := NewLimiter(func(string) Limits { return limits })

	release, err := limiter.Acquire("key", 1)
	require.NoError(t, err)
	release()

	limits = Limits{MaxConcurrent: 2}
	limiter.Forget("key")

	r1, err := limiter.Acquire("key", 1)
	require.NoError(t, err)
	defer r1()
	r2, err := limiter.Acquire("key", 1)
	require.NoError(t, err)
	defer r2()
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 1, EstimateTokens(nil))
	assert.Equal(t, 1, EstimateTokens([]api.ChatMessage{{Content: "hi"}}))
	messages := []api.ChatMessage{
		{Content: "0123456789012345"}, // 16 bytes
		{Content: "01234567"},         // 8 bytes
	}
	assert.Equal(t, 6, EstimateTokens(messages))
}
