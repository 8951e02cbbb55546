package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a fixed-window counter shared through Redis, so several
// indexer processes can draw from one provider quota.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Acquire increments the shared counter of the current window for key.
func (r *RedisWindow) Acquire(ctx context.Context, key string) (Result, error) {
	now := r.now()
	start := now.Truncate(r.window)
	counterKey := fmt.Sprintf("%s:%s:%d", r.prefix, key, start.UnixMilli())

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, counterKey)
		pipe.PExpire(ctx, counterKey, r.window)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("redis incr: %w", err)
	}

	count := int(incr.Val())
	res := Result{Limit: r.limit, ResetTime: start.Add(r.window)}
	if count > r.limit {
		res.RetryAfter = res.ResetTime.Sub(now)
		return limited(key, res)
	}

	res.Allowed = true
	res.Remaining = r.limit - count
	return res, nil
}
