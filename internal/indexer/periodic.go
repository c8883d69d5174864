package indexer

import (
	"context"
	"time"
)

// runEvery calls fn every interval until ctx is done. With immediate set,
// the first call happens before the first tick.
func runEvery(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) {
	if immediate {
		fn(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
