package indexer

import (
	"context"
	"time"
)

// withRetry calls fn until it succeeds, doubling the delay between attempts.
// It makes at most maxRetries+1 attempts; notify, when set, sees every
// failure that will be retried.
func withRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, notify func(attempt int, err error, delay time.Duration), fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if notify != nil {
			notify(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}
}
