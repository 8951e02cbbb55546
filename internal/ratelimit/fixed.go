package ratelimit

import (
	"context"
	"sync"
	"time"
)

type fixedCounter struct {
	start time.Time
	count int
}

// FixedWindow admits at most limit calls per aligned window.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*fixedCounter
}

func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string]*fixedCounter),
	}
}

// Acquire increments the counter of the current window for key.
func (f *FixedWindow) Acquire(_ context.Context, key string) (Result, error) {
	now := f.now()
	start := now.Truncate(f.window)

	f.mu.Lock()
	defer f.mu.Unlock()

	counter, ok := f.counters[key]
	if !ok || !counter.start.Equal(start) {
		counter = &fixedCounter{start: start}
		f.counters[key] = counter
	}

	res := Result{Limit: f.limit, ResetTime: start.Add(f.window)}
	if counter.count >= f.limit {
		res.RetryAfter = res.ResetTime.Sub(now)
		return limited(key, res)
	}

	counter.count++
	res.Allowed = true
	res.Remaining = f.limit - counter.count
	return res, nil
}

// Cleanup removes counters of windows that have ended.
func (f *FixedWindow) Cleanup(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, counter := range f.counters {
		if !now.Before(counter.start.Add(f.window)) {
			delete(f.counters, key)
			removed++
		}
	}
	return removed
}
