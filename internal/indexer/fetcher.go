package indexer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"tokenledger/internal/chain"
	"tokenledger/internal/metrics"
	"tokenledger/internal/model"
)

// LogSource is the eth_getLogs surface of the chain client.
type LogSource interface {
	FilterLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64, topic0 []common.Hash) ([]types.Log, error)
}

// FetcherConfig controls chunking and retries of log retrieval.
type FetcherConfig struct {
	ChunkSize    uint64
	MinChunkSize uint64
	ChunkDelay   time.Duration
	RetryBackoff time.Duration
	MaxRetries   int
}

// Fetcher retrieves logs in bounded chunks. A chunk rejected as too large is
// bisected until it fits or reaches MinChunkSize.
type Fetcher struct {
	source LogSource
	topics []common.Hash
	cfg    FetcherConfig
	logger *zap.Logger
	sleep  sleepFunc
}

func NewFetcher(source LogSource, topics []common.Hash, cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 2000
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = 1000
	}
	return &Fetcher{
		source: source,
		topics: topics,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

// ChunkSize returns the configured chunk size.
func (f *Fetcher) ChunkSize() uint64 {
	return f.cfg.ChunkSize
}

// FetchLogs walks [fromBlock, toBlock] chunk by chunk and returns every log
// ordered by (block, log index).
func (f *Fetcher) FetchLogs(ctx context.Context, address common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	var out []types.Log
	err := f.Walk(ctx, address, fromBlock, toBlock, func(_ BlockRange, logs []types.Log) error {
		out = append(out, logs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Walk fetches each chunk of [fromBlock, toBlock] in order and hands it to fn,
// pausing ChunkDelay between chunks.
func (f *Fetcher) Walk(ctx context.Context, address common.Address, fromBlock, toBlock uint64, fn func(BlockRange, []types.Log) error) error {
	ranges, err := SplitRange(fromBlock, toBlock, f.cfg.ChunkSize)
	if err != nil {
		return err
	}

	for i, r := range ranges {
		logs, err := f.FetchRange(ctx, address, r)
		if err != nil {
			return err
		}
		if err := fn(r, logs); err != nil {
			return err
		}
		if i < len(ranges)-1 {
			if err := f.Pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pause waits ChunkDelay.
func (f *Fetcher) Pause(ctx context.Context) error {
	return f.sleep(ctx, f.cfg.ChunkDelay)
}

// FetchRange returns the logs of one chunk ordered by (block, log index).
func (f *Fetcher) FetchRange(ctx context.Context, address common.Address, r BlockRange) ([]types.Log, error) {
	logs, err := f.fetchSpan(ctx, address, r)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	return logs, nil
}

func (f *Fetcher) fetchSpan(ctx context.Context, address common.Address, r BlockRange) ([]types.Log, error) {
	var logs []types.Log
	err := withRetry(ctx, f.cfg.MaxRetries, f.cfg.RetryBackoff, f.sleep, func(ctx context.Context) error {
		var err error
		logs, err = f.source.FilterLogs(ctx, address, r.From, r.To, f.topics)
		if err != nil && chain.IsTransient(err) {
			f.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", r.From), zap.Uint64("to", r.To))
		}
		return err
	})
	if err == nil {
		return logs, nil
	}
	if !chain.IsRangeTooLarge(err) {
		return nil, fmt.Errorf("filter logs %d-%d: %w", r.From, r.To, err)
	}
	if r.Span() <= f.cfg.MinChunkSize {
		return nil, fmt.Errorf("filter logs %d-%d at minimum span %d: %w", r.From, r.To, f.cfg.MinChunkSize, err)
	}

	left, right := r.Halves()
	metrics.ChunkSplitsTotal.WithLabelValues(model.NormalizeAddress(address.Hex())).Inc()
	f.logger.Info("bisect range",
		zap.Uint64("from", r.From),
		zap.Uint64("to", r.To),
		zap.Uint64("left_to", left.To),
	)

	leftLogs, err := f.fetchSpan(ctx, address, left)
	if err != nil {
		return nil, err
	}
	rightLogs, err := f.fetchSpan(ctx, address, right)
	if err != nil {
		return nil, err
	}
	return append(leftLogs, rightLogs...), nil
}
