package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow admits at most limit calls in any trailing window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// Acquire records a call for key when the trailing window has room.
func (s *SlidingWindow) Acquire(_ context.Context, key string) (Result, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	hits := prune(s.hits[key], now.Add(-s.window))
	res := Result{Limit: s.limit}

	if len(hits) >= s.limit {
		s.hits[key] = hits
		res.ResetTime = hits[0].Add(s.window)
		res.RetryAfter = res.ResetTime.Sub(now)
		return limited(key, res)
	}

	hits = append(hits, now)
	s.hits[key] = hits
	res.Allowed = true
	res.Remaining = s.limit - len(hits)
	res.ResetTime = hits[0].Add(s.window)
	return res, nil
}

// Cleanup removes keys with no calls inside the window.
func (s *SlidingWindow) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := now.Add(-s.window)
	for key, hits := range s.hits {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(s.hits, key)
			removed++
			continue
		}
		s.hits[key] = hits
	}
	return removed
}

// prune drops timestamps at or before cutoff; hits is sorted ascending.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return append(hits[:0], hits[idx:]...)
}
