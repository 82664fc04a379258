package ratelimit

import (
	"sync"
	"time"
)

// RateLimiter caps manual run triggers with sliding minute and hour windows
type RateLimiter struct {
	perMinute int
	perHour   int
	enabled   bool

	minuteWindow []time.Time
	hourWindow   []time.Time
	now          func() time.Time
	mu           sync.Mutex
}

// NewRateLimiter creates a limiter; a zero limit disables that window
func NewRateLimiter(perMinute, perHour int, enabled bool) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		enabled:   enabled,
		now:       time.Now,
	}
}

// AllowRequest records the request and reports whether it is within limits
func (rl *RateLimiter) AllowRequest() bool {
	if !rl.enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.cleanup(now)

	if rl.perMinute > 0 && len(rl.minuteWindow) >= rl.perMinute {
		return false
	}
	if rl.perHour > 0 && len(rl.hourWindow) >= rl.perHour {
		return false
	}

	rl.minuteWindow = append(rl.minuteWindow, now)
	rl.hourWindow = append(rl.hourWindow, now)
	return true
}

// RetryAfter returns how long until the next request would be allowed
func (rl *RateLimiter) RetryAfter() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.cleanup(now)

	var wait time.Duration
	if rl.perMinute > 0 && len(rl.minuteWindow) >= rl.perMinute {
		wait = rl.minuteWindow[0].Add(time.Minute).Sub(now)
	}
	if rl.perHour > 0 && len(rl.hourWindow) >= rl.perHour {
		if w := rl.hourWindow[0].Add(time.Hour).Sub(now); w > wait {
			wait = w
		}
	}
	return wait
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.minuteWindow = filterTimes(rl.minuteWindow, now.Add(-time.Minute))
	rl.hourWindow = filterTimes(rl.hourWindow, now.Add(-time.Hour))
}

// filterTimes keeps only times after the cutoff
func filterTimes(times []time.Time, cutoff time.Time) []time.Time {
	result := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			result = append(result, t)
		}
	}
	return result
}

// Stats contains rate limiter statistics
type Stats struct {
	Enabled             bool `json:"enabled"`
	RequestsLastMinute  int  `json:"requests_last_minute"`
	RequestsLastHour    int  `json:"requests_last_hour"`
	LimitPerMinute      int  `json:"limit_per_minute"`
	LimitPerHour        int  `json:"limit_per_hour"`
	RemainingThisMinute int  `json:"remaining_this_minute"`
	RemainingThisHour   int  `json:"remaining_this_hour"`
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	if !rl.enabled {
		return Stats{Enabled: false}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanup(rl.now())

	return Stats{
		Enabled:             true,
		RequestsLastMinute:  len(rl.minuteWindow),
		RequestsLastHour:    len(rl.hourWindow),
		LimitPerMinute:      rl.perMinute,
		LimitPerHour:        rl.perHour,
		RemainingThisMinute: maxInt(0, rl.perMinute-len(rl.minuteWindow)),
		RemainingThisHour:   maxInt(0, rl.perHour-len(rl.hourWindow)),
	}
}
