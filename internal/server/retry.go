package server

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries a store write with exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy makes three attempts, waiting 100ms then 200ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := max(p.Attempts, 1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(attempts-1))
}

// Do calls fn until it succeeds, the attempts are used up or ctx is done.
// Context errors from fn are not retried. When ctx ends the wait, the last
// error from fn is joined with the context error.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = fn()
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, p.backOff(ctx))

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(lastErr, err) {
		return errors.Join(lastErr, err)
	}

	return err
}
