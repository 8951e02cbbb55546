package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"tokenledger/internal/metrics"
)

// ErrQueueStopped is returned for calls still pending when the queue stops.
var ErrQueueStopped = errors.New("rate limit queue stopped")

// QueueConfig controls retries of failed calls.
type QueueConfig struct {
	// MaxAttempts is the total number of tries for a call that keeps failing.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number before each retry.
	RetryDelay time.Duration
	// Retryable reports whether a failed call may be retried. Nil retries
	// everything except backoff.Permanent errors.
	Retryable func(error) bool
}

type task struct {
	ctx     context.Context
	key     string
	fn      func(context.Context) error
	backoff backoff.BackOff
	done    chan error
}

// Queue serializes calls through a Limiter. A rate-limited call goes back to
// the head of the line and the queue sleeps until the limiter's retry time.
type Queue struct {
	limiter Limiter
	cfg     QueueConfig
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	pending *list.List
	wake    chan struct{}
	stopped bool
}

func NewQueue(limiter Limiter, cfg QueueConfig, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(err error) bool {
			var permanent *backoff.PermanentError
			return !errors.As(err, &permanent)
		}
	}
	return &Queue{
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepContext,
		pending: list.New(),
		wake:    make(chan struct{}, 1),
	}
}

// Start runs the queue worker until ctx is done.
func (q *Queue) Start(ctx context.Context) {
	go q.run(ctx)
}

// Len returns the number of calls waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Do enqueues fn and blocks until it has run, failed for good, or ctx ends.
func (q *Queue) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	t := &task{
		ctx:     ctx,
		key:     key,
		fn:      fn,
		backoff: backoff.WithMaxRetries(&linearBackOff{step: q.cfg.RetryDelay}, uint64(q.cfg.MaxAttempts-1)),
		done:    make(chan error, 1),
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.pending.PushBack(t)
	q.mu.Unlock()
	q.signal()

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.drain()

	for {
		t := q.next(ctx)
		if t == nil {
			return
		}
		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}

		if _, err := q.limiter.Acquire(t.ctx, t.key); err != nil {
			rl, ok := AsRateLimited(err)
			if !ok {
				t.done <- err
				continue
			}
			metrics.RateLimitedTotal.WithLabelValues(t.key).Inc()
			q.pushFront(t)
			if err := q.sleep(ctx, rl.Result.RetryAfter); err != nil {
				return
			}
			continue
		}

		err := t.fn(t.ctx)
		if err == nil {
			t.done <- nil
			continue
		}
		if !q.cfg.Retryable(err) {
			t.done <- err
			continue
		}

		delay := t.backoff.NextBackOff()
		if delay == backoff.Stop {
			t.done <- err
			continue
		}
		q.logger.Debug("retrying queued call", zap.String("key", t.key), zap.Duration("delay", delay), zap.Error(err))
		q.pushFront(t)
		if err := q.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (q *Queue) next(ctx context.Context) *task {
	for {
		q.mu.Lock()
		if front := q.pending.Front(); front != nil {
			q.pending.Remove(front)
			q.mu.Unlock()
			return front.Value.(*task)
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

func (q *Queue) pushFront(t *task) {
	q.mu.Lock()
	q.pending.PushFront(t)
	q.mu.Unlock()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for e := q.pending.Front(); e != nil; e = e.Next() {
		e.Value.(*task).done <- ErrQueueStopped
	}
	q.pending.Init()
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
