// Package scheduler serializes contract sync jobs through one worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tokenledger/internal/indexer"
	"tokenledger/internal/metrics"
	"tokenledger/internal/model"
	"tokenledger/internal/reconcile"
)

var (
	ErrQueueFull   = errors.New("sync queue is full")
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

// Syncer runs one contract sync.
type Syncer interface {
	Sync(ctx context.Context, req indexer.SyncRequest, hooks indexer.SyncHooks) (indexer.SyncResult, error)
}

// Rebuilder replays a contract's events into its balance table.
type Rebuilder interface {
	Rebuild(ctx context.Context, contract string) (reconcile.Summary, error)
}

// Store is the part of the event store the scheduler touches after a sync:
// duplicate removal and marking the checkpoint failed.
type Store interface {
	RemoveDuplicates(ctx context.Context, contract string) (int64, error)
	FailSync(ctx context.Context, contract string, message string) error
}

// Config tunes the scheduler.
type Config struct {
	QueueSize      int
	Cooldown       time.Duration
	DedupAfterSync bool
	Now            func() time.Time
}

// Health is the scheduler status served on the health endpoint.
type Health struct {
	Status       string `json:"status"`
	QueueLength  int    `json:"queue_length"`
	IsProcessing bool   `json:"is_processing"`
	CurrentJob   string `json:"current_job,omitempty"`
}

// Scheduler owns a bounded FIFO of sync jobs and runs them one at a time.
// Finished jobs stay queryable until the cooldown passes.
type Scheduler struct {
	syncer    Syncer
	rebuilder Rebuilder
	store     Store
	cfg       Config
	logger    *zap.Logger

	wake chan struct{}

	mu       sync.RWMutex
	pending  []*job
	jobs     map[string]*job
	progress map[string]Progress
	current  *job
}

func New(syncer Syncer, rebuilder Rebuilder, store Store, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		syncer:    syncer,
		rebuilder: rebuilder,
		store:     store,
		cfg:       cfg,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		jobs:      make(map[string]*job),
		progress:  make(map[string]Progress),
	}
}

// Submit queues a sync and returns its job id and 1-based queue position.
func (s *Scheduler) Submit(req indexer.SyncRequest) (string, int, error) {
	address, err := indexer.ParseContractAddress(req.Contract)
	if err != nil {
		return "", 0, err
	}
	if req.FromBlock != nil && req.ToBlock != nil && *req.FromBlock > *req.ToBlock {
		return "", 0, fmt.Errorf("from block %d is after to block %d", *req.FromBlock, *req.ToBlock)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	if len(s.pending) >= s.cfg.QueueSize {
		return "", 0, ErrQueueFull
	}

	j := &job{
		Job: Job{
			ID:        uuid.New().String(),
			Contract:  model.NormalizeAddress(address.Hex()),
			FromBlock: req.FromBlock,
			ToBlock:   req.ToBlock,
			State:     StateQueued,
			CreatedAt: s.cfg.Now(),
		},
	}

	s.pending = append(s.pending, j)
	s.jobs[j.ID] = j
	metrics.QueueLength.Set(float64(len(s.pending)))

	select {
	case s.wake <- struct{}{}:
	default:
	}

	position := s.positionLocked(j)
	s.logger.Info("sync job queued",
		zap.String("job_id", j.ID),
		zap.String("contract", j.Contract),
		zap.Int("position", position),
	)
	return j.ID, position, nil
}

// Run processes queued jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.evictInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			s.evictLocked()
			s.mu.Unlock()
		case <-s.wake:
			for ctx.Err() == nil {
				j := s.next()
				if j == nil {
					break
				}
				s.process(ctx, j)
			}
		}
	}
}

func (s *Scheduler) evictInterval() time.Duration {
	interval := s.cfg.Cooldown / 2
	return max(min(interval, time.Minute), time.Second)
}

func (s *Scheduler) process(ctx context.Context, j *job) {
	logger := s.logger.With(zap.String("job_id", j.ID), zap.String("contract", j.Contract))
	logger.Info("sync job started")

	hooks := indexer.SyncHooks{
		Progress:  func(p indexer.ProgressUpdate) { s.recordProgress(j, p) },
		Cancelled: j.cancelled.Load,
	}
	result, err := s.syncer.Sync(ctx, j.request(), hooks)
	if err != nil {
		logger.Error("sync job failed", zap.Error(err))
		s.finish(j, &result, nil, 0, err)
		return
	}

	var removed int64
	if s.cfg.DedupAfterSync && s.store != nil {
		removed, err = s.store.RemoveDuplicates(ctx, j.Contract)
		if err != nil {
			logger.Error("dedup after sync failed", zap.Error(err))
			err = fmt.Errorf("remove duplicates: %w", err)
			s.failCheckpoint(ctx, j.Contract, err)
			s.finish(j, &result, nil, 0, err)
			return
		}
		if removed > 0 {
			logger.Warn("duplicate events removed", zap.Int64("removed", removed))
		}
	}

	var summary *reconcile.Summary
	if s.rebuilder != nil {
		sum, err := s.rebuilder.Rebuild(ctx, j.Contract)
		if err != nil {
			logger.Error("rebuild after sync failed", zap.Error(err))
			s.failCheckpoint(ctx, j.Contract, err)
			s.finish(j, &result, nil, removed, err)
			return
		}
		summary = &sum
	}

	logger.Info("sync job completed",
		zap.Int64("events_inserted", result.EventsInserted),
		zap.Uint64("to_block", result.ToBlock),
	)
	s.finish(j, &result, summary, removed, nil)
}

// failCheckpoint records a post-sync failure on the contract checkpoint. The
// sync itself already marked it completed.
func (s *Scheduler) failCheckpoint(ctx context.Context, contract string, err error) {
	if s.store == nil {
		return
	}
	if ferr := s.store.FailSync(context.WithoutCancel(ctx), contract, err.Error()); ferr != nil {
		s.logger.Error("mark sync failed", zap.String("contract", contract), zap.Error(ferr))
	}
}

// next pops the oldest queued job and moves it to processing.
func (s *Scheduler) next() *job {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	j := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	metrics.QueueLength.Set(float64(len(s.pending)))

	now := s.cfg.Now()
	j.State = StateProcessing
	j.StartedAt = &now
	s.current = j
	s.progress[j.Contract] = Progress{Contract: j.Contract, JobID: j.ID, IsProcessing: true, UpdatedAt: now}
	return j
}

func (s *Scheduler) recordProgress(j *job, update indexer.ProgressUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := progressFrom(j.ID, update, s.cfg.Now())
	j.Progress = &p
	s.progress[j.Contract] = p
}

func (s *Scheduler) finish(j *job, result *indexer.SyncResult, summary *reconcile.Summary, removed int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	j.FinishedAt = &now
	j.Result = result
	j.Rebuild = summary
	j.Removed = removed
	if err != nil {
		j.State = StateFailed
		j.Error = err.Error()
	} else {
		j.State = StateCompleted
	}
	if s.current == j {
		s.current = nil
	}

	p := s.progress[j.Contract]
	p.IsProcessing = false
	p.UpdatedAt = now
	s.progress[j.Contract] = p
	metrics.JobsTotal.WithLabelValues(string(j.State)).Inc()
}

// Cancel stops a job. A queued job fails immediately; a running job stops
// before its next chunk.
func (s *Scheduler) Cancel(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if j.State.Finished() {
		return j.snapshot(), ErrJobFinished
	}

	j.cancelled.Store(true)
	if j.State == StateQueued {
		now := s.cfg.Now()
		j.State = StateFailed
		j.Error = indexer.ErrCancelled.Error()
		j.FinishedAt = &now
		s.removePendingLocked(j)
		metrics.JobsTotal.WithLabelValues(string(StateFailed)).Inc()
	}
	s.logger.Info("sync job cancel requested", zap.String("job_id", id), zap.String("state", string(j.State)))
	return j.snapshot(), nil
}

// Job returns a snapshot of a job.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	out := j.snapshot()
	if j.State == StateQueued {
		out.Position = s.positionLocked(j)
	}
	return out, true
}

// Progress returns the latest progress of contract.
func (s *Scheduler) Progress(contract string) (Progress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[model.NormalizeAddress(contract)]
	return p, ok
}

// Health reports queue length and whether a job is running.
func (s *Scheduler) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := Health{Status: "ok", QueueLength: len(s.pending), IsProcessing: s.current != nil}
	if s.current != nil {
		h.CurrentJob = s.current.ID
	}
	return h
}

func (s *Scheduler) positionLocked(target *job) int {
	for i, j := range s.pending {
		if j == target {
			return i + 1
		}
	}
	return 0
}

func (s *Scheduler) removePendingLocked(target *job) {
	for i, j := range s.pending {
		if j == target {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	metrics.QueueLength.Set(float64(len(s.pending)))
}

func (s *Scheduler) evictLocked() {
	cutoff := s.cfg.Now().Add(-s.cfg.Cooldown)
	for id, j := range s.jobs {
		if j.State.Finished() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			if p, ok := s.progress[j.Contract]; ok && p.JobID == id && !p.IsProcessing {
				delete(s.progress, j.Contract)
			}
		}
	}
}
