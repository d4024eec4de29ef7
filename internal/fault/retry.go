package fault

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy for UpstreamUnavailable faults in background jobs:
// capped exponential backoff, base 100ms, factor 2, cap 10s, max 5 attempts.
const (
	retryBaseInterval = 100 * time.Millisecond
	retryFactor       = 2.0
	retryMaxInterval  = 10 * time.Second
	retryMaxAttempts  = 5
)

// Retry runs op with the background-job retry policy. Only
// UpstreamUnavailable faults are retried; every other error class (including
// Cancelled) is returned immediately. Inference paths must not use Retry;
// they fail fast and fall back to the recompute path instead.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBaseInterval
	policy.Multiplier = retryFactor
	policy.MaxInterval = retryMaxInterval
	policy.RandomizationFactor = 0 // deterministic schedule, tests rely on it

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrUpstreamUnavailable) {
			return err
		}

		return backoff.Permanent(err)
	}

	limited := backoff.WithMaxRetries(backoff.WithContext(policy, ctx), retryMaxAttempts-1)

	return backoff.Retry(wrapped, limited)
}
