package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"tokenledger/internal/chain"
	"tokenledger/internal/decoder"
	"tokenledger/internal/metrics"
	"tokenledger/internal/model"
	"tokenledger/internal/storage"
)

// ErrCancelled is returned when a sync stops on request between chunks.
var ErrCancelled = errors.New("sync cancelled")

// ChainReader is the provider surface the syncer needs.
type ChainReader interface {
	LogSource
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	GetChainID(ctx context.Context) (*big.Int, error)
}

// SyncStore is the persistence surface the syncer needs.
type SyncStore interface {
	storage.EventStore
	storage.CheckpointStore
	storage.ContractStore
}

// RawSink receives the raw logs of each committed chunk.
type RawSink interface {
	PutLogBatch(contract string, logs []model.LogRecord) error
}

// SyncConfig holds runtime settings for the syncer.
type SyncConfig struct {
	Fetcher           FetcherConfig
	TimestampWorkers  int
	DefaultStartBlock uint64
}

// SyncRequest selects a contract and an optional explicit range. Nil bounds
// mean "resume from checkpoint" and "chain head".
type SyncRequest struct {
	Contract  string
	FromBlock *uint64
	ToBlock   *uint64
}

// ProgressUpdate is reported after every committed chunk.
type ProgressUpdate struct {
	Contract        string
	FromBlock       uint64
	ToBlock         uint64
	CurrentBlock    uint64
	ChunksDone      int
	ChunksTotal     int
	EventsProcessed int64
	EventsInserted  int64
	ETA             time.Duration
}

// Percent returns the share of the range already committed.
func (p ProgressUpdate) Percent() float64 {
	total := p.ToBlock - p.FromBlock + 1
	if p.CurrentBlock < p.FromBlock || total == 0 {
		return 0
	}
	return float64(p.CurrentBlock-p.FromBlock+1) / float64(total) * 100
}

// SyncHooks lets a caller observe and stop a running sync. Both are optional.
type SyncHooks struct {
	Progress  func(ProgressUpdate)
	Cancelled func() bool
}

// SyncResult summarizes a finished sync.
type SyncResult struct {
	Contract       string        `json:"contract"`
	FromBlock      uint64        `json:"from_block"`
	ToBlock        uint64        `json:"to_block"`
	Chunks         int           `json:"chunks"`
	EventsFound    int64         `json:"events_found"`
	EventsInserted int64         `json:"events_inserted"`
	UpToDate       bool          `json:"up_to_date"`
	Duration       time.Duration `json:"duration"`
}

// SyncOption customizes a Syncer.
type SyncOption func(*Syncer)

// WithRawSink archives raw logs of every committed chunk.
func WithRawSink(sink RawSink) SyncOption {
	return func(s *Syncer) {
		s.raw = sink
	}
}

// Syncer runs the chunk loop of one contract: fetch, decode, insert, then
// advance the checkpoint.
type Syncer struct {
	chain   ChainReader
	store   SyncStore
	decoder *decoder.Decoder
	fetcher *Fetcher
	cfg     SyncConfig
	logger  *zap.Logger
	raw     RawSink

	chainMu sync.Mutex
	chainID uint64
}

// NewSyncer builds a Syncer with its dependencies.
func NewSyncer(chainReader ChainReader, store SyncStore, dec *decoder.Decoder, cfg SyncConfig, logger *zap.Logger, opts ...SyncOption) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TimestampWorkers <= 0 {
		cfg.TimestampWorkers = 5
	}
	s := &Syncer{
		chain:   chainReader,
		store:   store,
		decoder: dec,
		fetcher: NewFetcher(chainReader, dec.Topics(), cfg.Fetcher, logger),
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetcher exposes the chunked log fetcher.
func (s *Syncer) Fetcher() *Fetcher {
	return s.fetcher
}

// ResolveRange computes the inclusive block range a request covers. The
// start is the explicit FromBlock, else checkpoint+1, else the highest stored
// event block, else the registered deployment block, else the default start.
// upToDate is true when the start lies past the end.
func (s *Syncer) ResolveRange(ctx context.Context, req SyncRequest) (from, to uint64, upToDate bool, err error) {
	contract := model.NormalizeAddress(req.Contract)

	if req.ToBlock != nil {
		to = *req.ToBlock
	} else {
		to, err = s.chain.LatestBlockNumber(ctx)
		if err != nil {
			return 0, 0, false, fmt.Errorf("get latest block: %w", err)
		}
	}

	from, err = s.resumePoint(ctx, contract, req.FromBlock)
	if err != nil {
		return 0, 0, false, err
	}
	return from, to, from > to, nil
}

func (s *Syncer) resumePoint(ctx context.Context, contract string, explicit *uint64) (uint64, error) {
	if explicit != nil {
		return *explicit, nil
	}

	cp, ok, err := s.store.LoadCheckpoint(ctx, contract)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	if ok && cp.Synced {
		return cp.LastSyncedBlock + 1, nil
	}

	// Chunk inserts are atomic, so the highest stored block may be only
	// partly covered by its chunk's checkpoint. Re-fetch it.
	last, found, err := s.store.MaxBlock(ctx, contract)
	if err != nil {
		return 0, fmt.Errorf("max event block: %w", err)
	}
	if found {
		return last, nil
	}

	c, ok, err := s.store.GetContract(ctx, contract)
	if err != nil {
		return 0, fmt.Errorf("get contract: %w", err)
	}
	if ok && c.DeploymentBlock > 0 {
		return c.DeploymentBlock, nil
	}
	return s.cfg.DefaultStartBlock, nil
}

// Sync runs one contract sync to completion, failure or cancellation. The
// checkpoint is marked failed with the error text on any error.
func (s *Syncer) Sync(ctx context.Context, req SyncRequest, hooks SyncHooks) (SyncResult, error) {
	result, err := s.sync(ctx, req, hooks)
	if err != nil {
		contract := model.NormalizeAddress(req.Contract)
		failCtx := context.WithoutCancel(ctx)
		if ferr := s.store.FailSync(failCtx, contract, err.Error()); ferr != nil {
			s.logger.Error("mark sync failed", zap.String("contract", contract), zap.Error(ferr))
		}
	}
	return result, err
}

func (s *Syncer) sync(ctx context.Context, req SyncRequest, hooks SyncHooks) (SyncResult, error) {
	started := time.Now()
	address, err := ParseContractAddress(req.Contract)
	if err != nil {
		return SyncResult{}, err
	}
	contract := model.NormalizeAddress(address.Hex())
	result := SyncResult{Contract: contract}

	if err := s.store.StartSync(ctx, contract); err != nil {
		return result, fmt.Errorf("start sync: %w", err)
	}

	from, to, upToDate, err := s.ResolveRange(ctx, req)
	if err != nil {
		return result, err
	}
	result.FromBlock, result.ToBlock = from, to

	if upToDate {
		s.logger.Info("nothing to sync", zap.String("contract", contract), zap.Uint64("from", from), zap.Uint64("to", to))
		result.UpToDate = true
		result.Duration = time.Since(started)
		return result, s.store.CompleteSync(ctx, contract)
	}

	chainID, err := s.chainIDValue(ctx)
	if err != nil {
		return result, err
	}

	ranges, err := SplitRange(from, to, s.fetcher.ChunkSize())
	if err != nil {
		return result, err
	}

	cp, _, err := s.store.LoadCheckpoint(ctx, contract)
	if err != nil {
		return result, fmt.Errorf("load checkpoint: %w", err)
	}
	frontier, synced := cp.LastSyncedBlock, cp.Synced

	s.logger.Info("sync start",
		zap.String("contract", contract),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("chunks", len(ranges)),
	)

	loopStart := time.Now()
	for i, r := range ranges {
		if hooks.Cancelled != nil && hooks.Cancelled() {
			return result, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		logs, err := s.fetcher.FetchRange(ctx, address, r)
		if err != nil {
			return result, err
		}

		records, events, err := s.decodeLogs(ctx, chainID, logs)
		if err != nil {
			return result, err
		}

		inserted, err := s.store.InsertEvents(ctx, events)
		if err != nil {
			return result, fmt.Errorf("store events %d-%d: %w", r.From, r.To, err)
		}
		if s.raw != nil {
			if err := s.raw.PutLogBatch(contract, records); err != nil {
				s.logger.Warn("archive raw logs", zap.String("contract", contract), zap.Error(err))
			}
		}
		// The checkpoint only moves across contiguous committed chunks; an
		// explicit range past it leaves the blocks in between unsynced.
		if !synced || r.From <= frontier+1 {
			if err := s.store.AdvanceCheckpoint(ctx, contract, r.To); err != nil {
				return result, fmt.Errorf("advance checkpoint to %d: %w", r.To, err)
			}
			if !synced || r.To > frontier {
				frontier, synced = r.To, true
			}
			metrics.LastSyncedBlock.WithLabelValues(contract).Set(float64(frontier))
		} else {
			s.logger.Debug("checkpoint held",
				zap.String("contract", contract),
				zap.Uint64("checkpoint", frontier),
				zap.Uint64("chunk_from", r.From),
			)
		}

		result.Chunks++
		result.EventsFound += int64(len(events))
		result.EventsInserted += inserted
		metrics.ChunksProcessedTotal.WithLabelValues(contract).Inc()
		metrics.EventsInsertedTotal.WithLabelValues(contract).Add(float64(inserted))

		s.logger.Debug("chunk committed",
			zap.String("contract", contract),
			zap.Uint64("from", r.From),
			zap.Uint64("to", r.To),
			zap.Int("events", len(events)),
			zap.Int64("inserted", inserted),
		)

		if hooks.Progress != nil {
			hooks.Progress(ProgressUpdate{
				Contract:        contract,
				FromBlock:       from,
				ToBlock:         to,
				CurrentBlock:    r.To,
				ChunksDone:      i + 1,
				ChunksTotal:     len(ranges),
				EventsProcessed: result.EventsFound,
				EventsInserted:  result.EventsInserted,
				ETA:             estimateRemaining(time.Since(loopStart), r.To-from+1, to-r.To),
			})
		}

		if i < len(ranges)-1 {
			if err := s.fetcher.Pause(ctx); err != nil {
				return result, err
			}
		}
	}

	if err := s.store.CompleteSync(ctx, contract); err != nil {
		return result, fmt.Errorf("complete sync: %w", err)
	}
	result.Duration = time.Since(started)

	s.logger.Info("sync complete",
		zap.String("contract", contract),
		zap.Uint64("to", to),
		zap.Int64("events", result.EventsFound),
		zap.Int64("inserted", result.EventsInserted),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// estimateRemaining extrapolates the observed time per block.
func estimateRemaining(elapsed time.Duration, blocksDone, blocksLeft uint64) time.Duration {
	if blocksDone == 0 || blocksLeft == 0 {
		return 0
	}
	perBlock := float64(elapsed) / float64(blocksDone)
	return time.Duration(perBlock * float64(blocksLeft))
}

func (s *Syncer) chainIDValue(ctx context.Context) (uint64, error) {
	s.chainMu.Lock()
	defer s.chainMu.Unlock()

	if s.chainID != 0 {
		return s.chainID, nil
	}
	id, err := s.chain.GetChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("get chain id: %w", err)
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("chain id does not fit in uint64: %s", id)
	}
	s.chainID = id.Uint64()
	return s.chainID, nil
}

// decodeLogs turns fetched logs into events, skipping removed and
// unrecognized logs.
func (s *Syncer) decodeLogs(ctx context.Context, chainID uint64, logs []types.Log) ([]model.LogRecord, []model.Event, error) {
	live := make([]types.Log, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			metrics.DecodeSkippedTotal.WithLabelValues("removed").Inc()
			continue
		}
		if len(log.Topics) == 0 || !s.decoder.CanDecode(log.Topics[0].Hex()) {
			metrics.DecodeSkippedTotal.WithLabelValues("unrecognized").Inc()
			continue
		}
		live = append(live, log)
	}
	if len(live) == 0 {
		return nil, nil, nil
	}

	timestamps, err := s.blockTimestamps(ctx, live)
	if err != nil {
		return nil, nil, err
	}

	records := make([]model.LogRecord, 0, len(live))
	events := make([]model.Event, 0, len(live))
	for _, log := range live {
		record := BuildLogRecord(chainID, log, timestamps[log.BlockNumber])
		decoded, err := s.decoder.Decode(record)
		if err != nil {
			if errors.Is(err, decoder.ErrUnrecognized) {
				metrics.DecodeSkippedTotal.WithLabelValues("unrecognized").Inc()
				continue
			}
			metrics.DecodeSkippedTotal.WithLabelValues("malformed").Inc()
			s.logger.Warn("skip malformed log",
				zap.String("tx_hash", record.TxHash),
				zap.Uint64("log_index", record.LogIndex),
				zap.Error(err),
			)
			continue
		}
		records = append(records, record)
		events = append(events, decoded...)
	}
	return records, events, nil
}

type blockTime struct {
	number    uint64
	timestamp uint64
}

// blockTimestamps fetches the timestamp of every distinct block in logs on a
// bounded worker pool.
func (s *Syncer) blockTimestamps(ctx context.Context, logs []types.Log) (map[uint64]uint64, error) {
	blocks := make([]uint64, 0)
	seen := make(map[uint64]struct{})
	for _, log := range logs {
		if _, ok := seen[log.BlockNumber]; ok {
			continue
		}
		seen[log.BlockNumber] = struct{}{}
		blocks = append(blocks, log.BlockNumber)
	}

	pool := pond.NewResultPool[blockTime](s.cfg.TimestampWorkers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, number := range blocks {
		number := number
		group.SubmitErr(func() (blockTime, error) {
			var ts uint64
			err := withRetry(ctx, s.cfg.Fetcher.MaxRetries, s.cfg.Fetcher.RetryBackoff, s.fetcher.sleep, func(ctx context.Context) error {
				var err error
				ts, err = s.chain.BlockTimestamp(ctx, number)
				if err != nil && chain.IsTransient(err) {
					s.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", number))
				}
				return err
			})
			if err != nil {
				return blockTime{}, fmt.Errorf("block timestamp %d: %w", number, err)
			}
			return blockTime{number: number, timestamp: ts}, nil
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]uint64, len(results))
	for _, r := range results {
		out[r.number] = r.timestamp
	}
	return out, nil
}
