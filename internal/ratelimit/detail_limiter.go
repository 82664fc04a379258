package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DetailConfig configures detail-page pacing
type DetailConfig struct {
	PerMinute     int
	SlowPerMinute int           // rate while slowed down
	Window        int           // observations in the failure-rate window
	SlowThreshold float64       // failure rate that triggers slow mode
	Cooldown      time.Duration // time spent in slow mode
}

// DetailLimiter paces detail-page enrichment and slows down when the
// target starts refusing pages
type DetailLimiter struct {
	mu      sync.Mutex
	cfg     DetailConfig
	limiter *rate.Limiter

	results []bool
	idx     int
	filled  bool

	slowUntil time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewDetailLimiter creates a limiter; missing settings get conservative defaults
func NewDetailLimiter(cfg DetailConfig) *DetailLimiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 15
	}
	if cfg.SlowPerMinute <= 0 || cfg.SlowPerMinute > cfg.PerMinute {
		cfg.SlowPerMinute = maxInt(1, cfg.PerMinute/3)
	}
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 0.3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	return &DetailLimiter{
		cfg:     cfg,
		limiter: rate.NewLimiter(perMinute(cfg.PerMinute), 1),
		results: make([]bool, cfg.Window),
		now:     time.Now,
		logger:  zap.L().With(zap.String("component", "detail-limiter")),
	}
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

// Wait blocks until the next detail page may be requested
func (l *DetailLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if l.isSlow() && l.now().After(l.slowUntil) {
		l.slowUntil = time.Time{}
		l.limiter.SetLimit(perMinute(l.cfg.PerMinute))
		l.logger.Info("detail pacing restored", zap.Int("per_minute", l.cfg.PerMinute))
	}
	lim := l.limiter
	l.mu.Unlock()

	return lim.Wait(ctx)
}

// Observe records one detail fetch result
func (l *DetailLimiter) Observe(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.results[l.idx] = success
	l.idx++
	if l.idx >= len(l.results) {
		l.idx = 0
		l.filled = true
	}

	if l.isSlow() {
		return
	}
	if failRate := l.failureRateLocked(); failRate >= l.cfg.SlowThreshold && l.observedLocked() >= 3 {
		l.slowUntil = l.now().Add(l.cfg.Cooldown)
		l.limiter.SetLimit(perMinute(l.cfg.SlowPerMinute))
		l.logger.Warn("entering slow mode",
			zap.Float64("fail_rate", failRate),
			zap.Int("per_minute", l.cfg.SlowPerMinute),
			zap.Duration("cooldown", l.cfg.Cooldown))
	}
}

// Slow reports whether the limiter is in slow mode
func (l *DetailLimiter) Slow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isSlow()
}

func (l *DetailLimiter) isSlow() bool {
	return !l.slowUntil.IsZero()
}

func (l *DetailLimiter) observedLocked() int {
	if l.filled {
		return len(l.results)
	}
	return l.idx
}

func (l *DetailLimiter) failureRateLocked() float64 {
	n := l.observedLocked()
	if n == 0 {
		return 0
	}
	fail := 0
	for i := 0; i < n; i++ {
		if !l.results[i] {
			fail++
		}
	}
	return float64(fail) / float64(n)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
