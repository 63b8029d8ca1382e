package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/trailofbits/crs-core/internal/errs"
)

// maxCASAttempts bounds the CAS retry loop.
const maxCASAttempts = 8

// NewRetryPolicy constructs a jittered exponential backoff policy bounded
// by maxAttempts, initial, and max interval. It backs the registry's CAS
// retry loop; the downloader and submitter configure their own
// backoff/v4 policies.
func NewRetryPolicy(maxAttempts int, initial, maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}

func casRetryPolicy() backoff.BackOff {
	return NewRetryPolicy(maxCASAttempts, 20*time.Millisecond, 500*time.Millisecond)
}

// retryCAS runs attempt repeatedly (attempt should itself call Store.CAS
// and return (done, error)) until it succeeds, ctx is cancelled, or
// maxCASAttempts is exhausted, at which point the failure surfaces as a
// transient error. A lost CAS race and an error from attempt (including
// one returned by a caller's mutate function) are both retried.
func retryCAS(ctx context.Context, component, taskID string, attempt func() (bool, error)) error {
	policy := backoff.WithContext(casRetryPolicy(), ctx)

	var lastErr error
	op := func() error {
		done, err := attempt()
		if err != nil {
			lastErr = err
			return err
		}
		if !done {
			lastErr = fmt.Errorf("cas attempt did not converge")
			return lastErr
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return errs.Transient(component, taskID, fmt.Errorf("cas exhausted after %d attempts: %w", maxCASAttempts, lastErr))
	}
	return nil
}
