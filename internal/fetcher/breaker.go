package fetcher

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Breaker stops fetching after repeated unobtainable pages
type Breaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	failures            int
	totalRequests       int
	consecutiveFailures int
	isOpen              bool
	lastFailureTime     time.Time

	now    func() time.Time
	logger *zap.Logger
	mutex  sync.Mutex
}

// NewBreaker creates a breaker; a threshold <= 0 disables it
func NewBreaker(failureThreshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		logger:           zap.L().With(zap.String("component", "breaker")),
	}
}

// RecordSuccess records an obtained page
func (cb *Breaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalRequests++
	cb.consecutiveFailures = 0
}

// RecordFailure records a page that could not be obtained
func (cb *Breaker) RecordFailure(class Class) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.consecutiveFailures++
	cb.totalRequests++
	cb.lastFailureTime = cb.now()

	if cb.failureThreshold > 0 && !cb.isOpen && cb.consecutiveFailures >= cb.failureThreshold {
		cb.isOpen = true
		cb.logger.Warn("circuit breaker open",
			zap.Int("consecutive_failures", cb.consecutiveFailures),
			zap.String("last_class", string(class)),
			zap.Duration("reset_after", cb.resetTimeout))
	}
}

// CanProceed checks if requests are allowed
func (cb *Breaker) CanProceed() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if !cb.isOpen {
		return true
	}

	if cb.now().Sub(cb.lastFailureTime) > cb.resetTimeout {
		cb.logger.Info("circuit breaker half-open", zap.Duration("after", cb.resetTimeout))
		cb.isOpen = false
		cb.failures = 0
		cb.totalRequests = 0
		cb.consecutiveFailures = 0
		return true
	}

	return false
}

// GetStatus returns current circuit breaker status
func (cb *Breaker) GetStatus() (isOpen bool, failures int, total int) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.isOpen, cb.failures, cb.totalRequests
}
