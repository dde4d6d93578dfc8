package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"localrouter/internal/api"

	"github.com/cenkalti/backoff/v4"
)

// errRetryable marks transport-layer and transient upstream errors
// (network failures, 5xx). Client errors are never marked and never
// retried.
var errRetryable = errors.New("retryable upstream error")

// maxRetries is how many times a transient failure is retried after the
// initial attempt.
const maxRetries = 2

// retryInitialInterval is the first backoff delay; each subsequent
// delay multiplies by retryMultiplier (100ms, 400ms, 1600ms).
const (
	retryInitialInterval = 100 * time.Millisecond
	retryMultiplier      = 4
)

// transportError wraps a failed HTTP round trip as a retryable provider
// error.
func transportError(providerID string, err error) error {
	wrapped := api.WrapError(api.ErrKindProvider, fmt.Errorf("%w: %v", errRetryable, err), "%s request failed", providerID)
	return wrapped
}

// isRetryable reports whether err is a transient upstream failure.
func isRetryable(err error) bool {
	return errors.Is(err, errRetryable)
}

// withRetries runs op, retrying transient failures with exponential
// backoff. Context cancellation aborts between attempts.
func withRetries(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.Multiplier = retryMultiplier
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
}
