// Package gaps finds block ranges missing from the stored event log.
package gaps

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"tokenledger/internal/decoder"
	"tokenledger/internal/indexer"
	"tokenledger/internal/model"
	"tokenledger/internal/storage"
)

// Options bounds which holes count as gaps. A hole larger than MaxGapSize is
// reported as oversized: it most likely marks an aborted job and needs a full
// re-sync rather than a targeted refill. Zero MaxGapSize means no upper bound.
type Options struct {
	MinGapSize uint64
	MaxGapSize uint64
}

// FindGaps scans ascending distinct block numbers for holes.
func FindGaps(blocks []uint64, opts Options) (gaps, oversized []model.Gap) {
	minSize := opts.MinGapSize
	if minSize == 0 {
		minSize = 1
	}

	gaps = make([]model.Gap, 0)
	oversized = make([]model.Gap, 0)
	for i := 1; i < len(blocks); i++ {
		prev, next := blocks[i-1], blocks[i]
		if next <= prev+1 {
			continue
		}
		size := next - prev - 1
		if size < minSize {
			continue
		}
		gap := model.Gap{StartBlock: prev + 1, EndBlock: next - 1, Size: size}
		if opts.MaxGapSize > 0 && size > opts.MaxGapSize {
			oversized = append(oversized, gap)
			continue
		}
		gaps = append(gaps, gap)
	}
	return gaps, oversized
}

// Report is the result of a block-sequence scan.
type Report struct {
	Contract   string      `json:"contract"`
	Blocks     int         `json:"blocks_with_events"`
	FirstBlock uint64      `json:"first_block"`
	LastBlock  uint64      `json:"last_block"`
	Gaps       []model.Gap `json:"gaps"`
	Oversized  []model.Gap `json:"oversized_gaps"`
}

// RangeFetcher retrieves the logs of one block range.
type RangeFetcher interface {
	FetchRange(ctx context.Context, address common.Address, r indexer.BlockRange) ([]types.Log, error)
	Pause(ctx context.Context) error
}

// HeadReader returns the chain head.
type HeadReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// DetectorStore is the persistence surface the detector needs.
type DetectorStore interface {
	storage.EventStore
	storage.ContractStore
}

// Detector runs both gap checks for a contract.
type Detector struct {
	store   DetectorStore
	fetcher RangeFetcher
	head    HeadReader
	decoder *decoder.Decoder
	opts    Options
	logger  *zap.Logger
}

func NewDetector(store DetectorStore, fetcher RangeFetcher, head HeadReader, dec *decoder.Decoder, opts Options, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		store:   store,
		fetcher: fetcher,
		head:    head,
		decoder: dec,
		opts:    opts,
		logger:  logger,
	}
}

// FindGaps scans the stored block sequence of contract. It makes no RPC calls.
func (d *Detector) FindGaps(ctx context.Context, contract string) (Report, error) {
	contract = model.NormalizeAddress(contract)
	blocks, err := d.store.BlockNumbers(ctx, contract)
	if err != nil {
		return Report{}, fmt.Errorf("block numbers: %w", err)
	}

	report := Report{Contract: contract, Blocks: len(blocks)}
	if len(blocks) > 0 {
		report.FirstBlock = blocks[0]
		report.LastBlock = blocks[len(blocks)-1]
	}
	report.Gaps, report.Oversized = FindGaps(blocks, d.opts)

	if len(report.Gaps) > 0 || len(report.Oversized) > 0 {
		d.logger.Warn("gaps detected",
			zap.String("contract", contract),
			zap.Int("gaps", len(report.Gaps)),
			zap.Int("oversized", len(report.Oversized)),
		)
	}
	return report, nil
}

// ChunkRequest selects the range FindMissingChunks walks. Nil bounds mean the
// deployment block (or first stored block) and the chain head.
type ChunkRequest struct {
	Contract  string
	FromBlock *uint64
	ToBlock   *uint64
	ChunkSize uint64
}

// FindMissingChunks compares, chunk by chunk, the number of transfer logs the
// provider returns with the number of distinct logs stored. Any difference is
// reported, which catches truncated responses that still returned some logs.
func (d *Detector) FindMissingChunks(ctx context.Context, req ChunkRequest) ([]model.ChunkMismatch, error) {
	if d.fetcher == nil || d.head == nil {
		return nil, errors.New("missing chunk scan requires a chain client")
	}
	address, err := indexer.ParseContractAddress(req.Contract)
	if err != nil {
		return nil, err
	}
	contract := model.NormalizeAddress(address.Hex())

	from, to, err := d.chunkBounds(ctx, contract, req)
	if err != nil {
		return nil, err
	}
	mismatches := make([]model.ChunkMismatch, 0)
	if from > to {
		return mismatches, nil
	}

	chunk := req.ChunkSize
	if chunk == 0 {
		chunk = 10_000
	}
	ranges, err := indexer.SplitRange(from, to, chunk)
	if err != nil {
		return nil, err
	}

	for i, r := range ranges {
		logs, err := d.fetcher.FetchRange(ctx, address, r)
		if err != nil {
			return nil, err
		}
		onChain := d.countTransferLogs(logs)
		stored, err := d.store.CountLogs(ctx, contract, r.From, r.To)
		if err != nil {
			return nil, fmt.Errorf("count stored logs: %w", err)
		}
		if onChain != stored {
			d.logger.Warn("chunk count mismatch",
				zap.String("contract", contract),
				zap.Uint64("from", r.From),
				zap.Uint64("to", r.To),
				zap.Int64("onchain", onChain),
				zap.Int64("stored", stored),
			)
			mismatches = append(mismatches, model.ChunkMismatch{
				FromBlock: r.From,
				ToBlock:   r.To,
				OnChain:   onChain,
				Stored:    stored,
			})
		}
		if i < len(ranges)-1 {
			if err := d.fetcher.Pause(ctx); err != nil {
				return nil, err
			}
		}
	}
	return mismatches, nil
}

func (d *Detector) chunkBounds(ctx context.Context, contract string, req ChunkRequest) (uint64, uint64, error) {
	var from, to uint64
	switch {
	case req.FromBlock != nil:
		from = *req.FromBlock
	default:
		c, ok, err := d.store.GetContract(ctx, contract)
		if err != nil {
			return 0, 0, fmt.Errorf("get contract: %w", err)
		}
		if ok && c.DeploymentBlock > 0 {
			from = c.DeploymentBlock
		} else {
			blocks, err := d.store.BlockNumbers(ctx, contract)
			if err != nil {
				return 0, 0, fmt.Errorf("block numbers: %w", err)
			}
			if len(blocks) > 0 {
				from = blocks[0]
			}
		}
	}

	if req.ToBlock != nil {
		to = *req.ToBlock
	} else {
		head, err := d.head.LatestBlockNumber(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("get latest block: %w", err)
		}
		to = head
	}
	return from, to, nil
}

// countTransferLogs counts logs that decode into at least one stored event.
func (d *Detector) countTransferLogs(logs []types.Log) int64 {
	var n int64
	for _, log := range logs {
		if log.Removed {
			continue
		}
		events, err := d.decoder.Decode(indexer.BuildLogRecord(0, log, 0))
		if err != nil || len(events) == 0 {
			continue
		}
		n++
	}
	return n
}
