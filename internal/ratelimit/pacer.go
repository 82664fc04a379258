package ratelimit

import (
	"context"
	"math/rand"
	"time"
)

// Pacer spaces out requests to one marketplace with a randomized delay
type Pacer struct {
	minDelay time.Duration
	maxDelay time.Duration

	sleep Sleeper
}

// NewPacer creates a pacer with a delay drawn uniformly from [minDelay, maxDelay]
func NewPacer(minDelay, maxDelay time.Duration) *Pacer {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Pacer{
		minDelay: minDelay,
		maxDelay: maxDelay,
		sleep:    Sleep,
	}
}

// WithSleeper replaces the wait function
func (p *Pacer) WithSleeper(s Sleeper) *Pacer {
	p.sleep = s
	return p
}

// Jitter returns one randomized delay
func (p *Pacer) Jitter() time.Duration {
	span := p.maxDelay - p.minDelay
	if span <= 0 {
		return p.minDelay
	}
	return p.minDelay + time.Duration(rand.Int63n(int64(span)+1))
}

// Pause waits one randomized delay; used between consecutive pages
func (p *Pacer) Pause(ctx context.Context) (time.Duration, error) {
	d := p.Jitter()
	return d, p.sleep(ctx, d)
}
