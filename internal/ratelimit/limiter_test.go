package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestSlidingWindowLimitsTrailingWindow(t *testing.T) {
	clock := newClock()
	limiter := NewSlidingWindow(2, time.Second)
	limiter.now = clock.Now
	ctx := context.Background()

	res, err := limiter.Acquire(ctx, "rpc")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)

	clock.Advance(400 * time.Millisecond)
	res, err = limiter.Acquire(ctx, "rpc")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)

	clock.Advance(100 * time.Millisecond)
	_, err = limiter.Acquire(ctx, "rpc")
	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, rl.Result.RetryAfter)
	assert.Equal(t, 1, rl.RetryAfterSeconds())
	assert.False(t, rl.Result.Allowed)

	clock.Advance(500 * time.Millisecond)
	_, err = limiter.Acquire(ctx, "rpc")
	require.NoError(t, err)

	// other keys are independent
	_, err = limiter.Acquire(ctx, "other")
	require.NoError(t, err)
}

func TestFixedWindowResetsOnBoundary(t *testing.T) {
	clock := newClock()
	limiter := NewFixedWindow(1, time.Second)
	limiter.now = clock.Now
	ctx := context.Background()

	_, err := limiter.Acquire(ctx, "rpc")
	require.NoError(t, err)

	clock.Advance(300 * time.Millisecond)
	_, err = limiter.Acquire(ctx, "rpc")
	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 700*time.Millisecond, rl.Result.RetryAfter)
	assert.Equal(t, clock.Now().Add(700*time.Millisecond), rl.Result.ResetTime)

	clock.Advance(700 * time.Millisecond)
	res, err := limiter.Acquire(ctx, "rpc")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)
}

func TestTokenBucketRefillsContinuously(t *testing.T) {
	clock := newClock()
	limiter := NewTokenBucket(4, time.Second)
	limiter.now = clock.Now
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.Acquire(ctx, "rpc")
		require.NoError(t, err)
	}

	_, err := limiter.Acquire(ctx, "rpc")
	rl, ok := AsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, rl.Result.RetryAfter)

	clock.Advance(250 * time.Millisecond)
	res, err := limiter.Acquire(ctx, "rpc")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Limit)
	assert.Equal(t, 0, res.Remaining)
}

func TestCleanupDropsIdleKeys(t *testing.T) {
	clock := newClock()
	sliding := NewSlidingWindow(5, time.Second)
	sliding.now = clock.Now
	fixed := NewFixedWindow(5, time.Second)
	fixed.now = clock.Now
	token := NewTokenBucket(5, time.Second)
	token.now = clock.Now

	ctx := context.Background()
	for _, l := range []Limiter{sliding, fixed, token} {
		_, err := l.Acquire(ctx, "a")
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, sliding.Cleanup(clock.Now()))
	assert.Equal(t, 1, fixed.Cleanup(clock.Now()))
	assert.Equal(t, 1, token.Cleanup(clock.Now()))
	assert.Empty(t, sliding.hits)
	assert.Empty(t, fixed.counters)
	assert.Empty(t, token.buckets)
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(Config{Strategy: "leaky", Limit: 1, Window: time.Second})
	require.Error(t, err)

	_, err = New(Config{Strategy: StrategyRedis, Limit: 1, Window: time.Second})
	require.Error(t, err)

	l, err := New(Config{Strategy: StrategyToken, Limit: 1, Window: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &TokenBucket{}, l)
}
