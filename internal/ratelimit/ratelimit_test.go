package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_MinuteWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, 20, true)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.AllowRequest())
	assert.True(t, rl.AllowRequest())
	assert.False(t, rl.AllowRequest())
	assert.Equal(t, time.Minute, rl.RetryAfter())

	now = now.Add(61 * time.Second)
	assert.True(t, rl.AllowRequest())

	stats := rl.GetStats()
	assert.Equal(t, 1, stats.RequestsLastMinute)
	assert.Equal(t, 3, stats.RequestsLastHour)
	assert.Equal(t, 17, stats.RemainingThisHour)
}

func TestRateLimiter_HourWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(0, 2, true)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.AllowRequest())
	now = now.Add(10 * time.Minute)
	assert.True(t, rl.AllowRequest())
	assert.False(t, rl.AllowRequest())
	assert.Equal(t, 50*time.Minute, rl.RetryAfter())
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(1, 1, false)
	for i := 0; i < 5; i++ {
		assert.True(t, rl.AllowRequest())
	}
	assert.False(t, rl.GetStats().Enabled)
}

func TestPacer_JitterWithinBounds(t *testing.T) {
	p := NewPacer(2*time.Second, 5*time.Second)
	for i := 0; i < 100; i++ {
		d := p.Jitter()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestPacer_PauseUsesSleeper(t *testing.T) {
	var slept time.Duration
	p := NewPacer(time.Second, time.Second).WithSleeper(func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	})

	d, err := p.Pause(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	assert.Equal(t, time.Second, slept)
}

func TestDetailLimiter_SlowModeAndRecovery(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := NewDetailLimiter(DetailConfig{PerMinute: 60, SlowPerMinute: 6, Window: 4, SlowThreshold: 0.5, Cooldown: time.Minute})
	l.now = func() time.Time { return now }

	l.Observe(true)
	l.Observe(false)
	assert.False(t, l.Slow(), "too few observations")
	l.Observe(false)
	assert.True(t, l.Slow())

	now = now.Add(2 * time.Minute)
	require.NoError(t, l.Wait(context.Background()))
	assert.False(t, l.Slow())
}

func TestDetailLimiter_WaitHonorsContext(t *testing.T) {
	l := NewDetailLimiter(DetailConfig{PerMinute: 1})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx))
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, NoSleep(context.Background(), time.Hour))
}
