package tracker

import (
	"context"
	"sync"
	"time"
)

// DefaultFallbackInterval matches the cadence the frontend used for simulated progress.
const DefaultFallbackInterval = 8 * time.Second

// StartFallback calls advance once per interval until stop is called or ctx
// is done. tick is 1-based. advance runs on the ticker goroutine and must
// return promptly once its ctx is done; callers that mutate shared state hand
// the tick off to their own single writer. stop blocks until the goroutine
// has exited, so no advance call happens after it returns.
func StartFallback(
	ctx context.Context,
	interval time.Duration,
	advance func(ctx context.Context, tick uint64),
) (stop func()) {
	if interval <= 0 {
		interval = DefaultFallbackInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var n uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n++
				advance(ctx, n)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
