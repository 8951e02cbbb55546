// Package ratelimit governs outbound RPC calls.
//
// Every strategy implements Limiter and reports the same Result shape so
// callers can react uniformly regardless of the algorithm behind it.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Result describes the limiter state after an Acquire call.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetTime  time.Time     `json:"reset_time"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimitedError is returned when a permit is not available.
type RateLimitedError struct {
	Key    string
	Result Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %q: retry after %s", e.Key, e.Result.RetryAfter)
}

// RetryAfterSeconds returns the wait in seconds, rounded up.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := e.Result.RetryAfter / time.Second
	if e.Result.RetryAfter%time.Second != 0 {
		secs++
	}
	return int(secs)
}

// AsRateLimited extracts a RateLimitedError from err.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Limiter hands out permits per key.
type Limiter interface {
	Acquire(ctx context.Context, key string) (Result, error)
}

// Cleaner drops idle per-key state. It returns the number of keys removed.
type Cleaner interface {
	Cleanup(now time.Time) int
}

// Strategy names accepted by New.
const (
	StrategySliding = "sliding"
	StrategyFixed   = "fixed"
	StrategyToken   = "token"
	StrategyRedis   = "redis"
)

// Config selects and sizes a strategy.
type Config struct {
	Strategy string
	Limit    int
	Window   time.Duration
	Redis    *redis.Client
	Prefix   string
}

// New builds the limiter named by cfg.Strategy.
func New(cfg Config) (Limiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("rate limit must be greater than zero")
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("rate window must be greater than zero")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case StrategySliding, "":
		return NewSlidingWindow(cfg.Limit, cfg.Window), nil
	case StrategyFixed:
		return NewFixedWindow(cfg.Limit, cfg.Window), nil
	case StrategyToken:
		return NewTokenBucket(cfg.Limit, cfg.Window), nil
	case StrategyRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis strategy requires a redis client")
		}
		return NewRedisWindow(cfg.Redis, cfg.Prefix, cfg.Limit, cfg.Window), nil
	default:
		return nil, fmt.Errorf("unknown rate strategy: %s", cfg.Strategy)
	}
}

// StartCleanup runs c.Cleanup on every tick until ctx is done.
func StartCleanup(ctx context.Context, c Cleaner, interval time.Duration, logger *zap.Logger) {
	if c == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if removed := c.Cleanup(now); removed > 0 {
					logger.Debug("rate limiter cleanup", zap.Int("removed", removed))
				}
			}
		}
	}()
}

func limited(key string, res Result) (Result, error) {
	res.Allowed = false
	if res.RetryAfter < 0 {
		res.RetryAfter = 0
	}
	return res, &RateLimitedError{Key: key, Result: res}
}
