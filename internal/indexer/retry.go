package indexer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tokenledger/internal/chain"
)

// withRetry runs fn until it succeeds, fails with a non-transient error, or
// maxRetries retries spaced by a fixed delay have been spent.
func withRetry(ctx context.Context, maxRetries int, delay time.Duration, sleep sleepFunc, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(maxRetries))
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !chain.IsTransient(err) {
			return err
		}

		next := policy.NextBackOff()
		if next == backoff.Stop {
			return err
		}
		if err := sleep(ctx, next); err != nil {
			return err
		}
	}
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
