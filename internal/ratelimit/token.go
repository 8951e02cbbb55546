package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucket refills continuously at limit/window tokens per second with a
// burst of limit.
type TokenBucket struct {
	limit  int
	window time.Duration
	rate   rate.Limit
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		limit:   limit,
		window:  window,
		rate:    rate.Limit(float64(limit) / window.Seconds()),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Acquire takes one token for key when available.
func (t *TokenBucket) Acquire(_ context.Context, key string) (Result, error) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(t.rate, t.limit)}
		t.buckets[key] = b
	}
	b.lastSeen = now

	res := Result{Limit: t.limit}
	tokens := b.limiter.TokensAt(now)
	if tokens < 1 {
		res.RetryAfter = t.durationFor(1 - tokens)
		res.ResetTime = now.Add(t.durationFor(float64(t.limit) - tokens))
		return limited(key, res)
	}

	b.limiter.AllowN(now, 1)
	tokens--
	res.Allowed = true
	res.Remaining = int(math.Floor(tokens))
	res.ResetTime = now.Add(t.durationFor(float64(t.limit) - tokens))
	return res, nil
}

// Cleanup removes buckets idle for longer than a full refill.
func (t *TokenBucket) Cleanup(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, b := range t.buckets {
		if now.Sub(b.lastSeen) >= t.window {
			delete(t.buckets, key)
			removed++
		}
	}
	return removed
}

func (t *TokenBucket) durationFor(tokens float64) time.Duration {
	if tokens <= 0 || t.rate <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(tokens / float64(t.rate) * float64(time.Second)))
}
