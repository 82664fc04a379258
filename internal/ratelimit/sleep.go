package ratelimit

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the context-aware default Sleeper
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep returns immediately; used where waits must be skipped
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
