package indexer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"tokenledger/internal/decoder"
	"tokenledger/internal/model"
	"tokenledger/internal/storage"
	"tokenledger/internal/storage/memory"
)

var contractKey = strings.ToLower(testContract.Hex())

func newTestSyncer(t *testing.T, fc *fakeChain, store *memory.Store, chunk uint64) *Syncer {
	t.Helper()
	dec, err := decoder.New()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	s := NewSyncer(fc, store, dec, SyncConfig{
		Fetcher: FetcherConfig{ChunkSize: chunk, MinChunkSize: 1},
	}, nil)
	s.fetcher.sleep = noSleep
	return s
}

func u64(v uint64) *uint64 { return &v }

func TestSyncStoresEventsAndCompletes(t *testing.T) {
	fc := &fakeChain{
		head: 299,
		logs: []types.Log{
			mintLog(10, 0, 1),
			mintLog(10, 1, 2),
			transferLog(150, 3, holderA, holderB, 1),
			erc20Log(160, 0),
		},
	}
	store := memory.NewStore()
	s := newTestSyncer(t, fc, store, 100)

	var updates []ProgressUpdate
	result, err := s.Sync(context.Background(), SyncRequest{Contract: testContract.Hex(), FromBlock: u64(0)}, SyncHooks{
		Progress: func(p ProgressUpdate) { updates = append(updates, p) },
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	if result.Chunks != 3 || result.EventsFound != 3 || result.EventsInserted != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(updates) != 3 || updates[2].CurrentBlock != 299 || updates[2].Percent() != 100 {
		t.Fatalf("unexpected progress: %+v", updates)
	}
	if fc.timestamps != 3 {
		t.Fatalf("expected one timestamp lookup per distinct block, got %d", fc.timestamps)
	}

	cp, ok, _ := store.LoadCheckpoint(context.Background(), contractKey)
	if !ok || cp.Status != model.SyncCompleted || cp.LastSyncedBlock != 299 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	events, _ := store.ListEvents(context.Background(), storage.EventFilter{Contract: contractKey})
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].BlockTimestamp != 1_600_000_000+10*12 {
		t.Fatalf("unexpected timestamp: %d", events[0].BlockTimestamp)
	}
	if events[2].FromAddress != strings.ToLower(holderA.Hex()) || events[2].ToAddress != strings.ToLower(holderB.Hex()) {
		t.Fatalf("unexpected transfer: %+v", events[2])
	}
}

func TestSyncResumesFromCheckpointNotStoredEvents(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{
		head: 2000,
		logs: []types.Log{
			mintLog(1200, 0, 1),
			mintLog(1400, 0, 2),
			mintLog(1800, 0, 3),
		},
	}
	store := memory.NewStore()
	s := newTestSyncer(t, fc, store, 500)

	// An interrupted job committed events up to 1500 without advancing the
	// checkpoint past 1000.
	_ = store.AdvanceCheckpoint(ctx, contractKey, 1000)
	dec, _ := decoder.New()
	for _, log := range fc.logs[:2] {
		events, err := dec.Decode(BuildLogRecord(1, log, 1_600_000_000+log.BlockNumber*12))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		_, _ = store.InsertEvents(ctx, events)
	}

	from, to, upToDate, err := s.ResolveRange(ctx, SyncRequest{Contract: testContract.Hex()})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if from != 1001 || to != 2000 || upToDate {
		t.Fatalf("unexpected range: %d-%d %v", from, to, upToDate)
	}

	result, err := s.Sync(ctx, SyncRequest{Contract: testContract.Hex()}, SyncHooks{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.FromBlock != 1001 || result.EventsFound != 3 || result.EventsInserted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	count, _ := store.EventCount(ctx, contractKey)
	if count != 3 {
		t.Fatalf("expected 3 stored events, got %d", count)
	}
	cp, _, _ := store.LoadCheckpoint(ctx, contractKey)
	if cp.LastSyncedBlock != 2000 || cp.Status != model.SyncCompleted {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestSyncExplicitRangePastCheckpointKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 8000, logs: []types.Log{mintLog(2000, 0, 1), mintLog(6000, 0, 2)}}
	store := memory.NewStore()
	s := newTestSyncer(t, fc, store, 1000)

	_ = store.AdvanceCheckpoint(ctx, contractKey, 1000)

	result, err := s.Sync(ctx, SyncRequest{Contract: contractKey, FromBlock: u64(5000), ToBlock: u64(7000)}, SyncHooks{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.EventsInserted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	cp, _, _ := store.LoadCheckpoint(ctx, contractKey)
	if cp.LastSyncedBlock != 1000 || cp.Status != model.SyncCompleted {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	from, _, _, err := s.ResolveRange(ctx, SyncRequest{Contract: contractKey})
	if err != nil || from != 1001 {
		t.Fatalf("expected resume at 1001, got %d (%v)", from, err)
	}

	// A range overlapping the checkpoint moves it across every contiguous chunk.
	if _, err := s.Sync(ctx, SyncRequest{Contract: contractKey, FromBlock: u64(500), ToBlock: u64(3499)}, SyncHooks{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	cp, _, _ = store.LoadCheckpoint(ctx, contractKey)
	if cp.LastSyncedBlock != 3499 {
		t.Fatalf("expected checkpoint 3499, got %+v", cp)
	}
}

func TestResolveRangeFallbacks(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 5000}
	store := memory.NewStore()
	s := newTestSyncer(t, fc, store, 1000)
	s.cfg.DefaultStartBlock = 7

	from, _, _, err := s.ResolveRange(ctx, SyncRequest{Contract: contractKey})
	if err != nil || from != 7 {
		t.Fatalf("expected default start 7, got %d (%v)", from, err)
	}

	_ = store.UpsertContract(ctx, model.Contract{Address: contractKey, DeploymentBlock: 1200})
	from, _, _, _ = s.ResolveRange(ctx, SyncRequest{Contract: contractKey})
	if from != 1200 {
		t.Fatalf("expected deployment block, got %d", from)
	}

	_, _ = store.InsertEvents(ctx, []model.Event{{
		ContractAddress: contractKey, TransactionHash: "0x01", BlockNumber: 3100,
		FromAddress: model.ZeroAddress, ToAddress: "0xaa", TokenID: "1", Amount: "1",
	}})
	from, _, _, _ = s.ResolveRange(ctx, SyncRequest{Contract: contractKey})
	if from != 3100 {
		t.Fatalf("expected highest stored block, got %d", from)
	}

	from, to, upToDate, _ := s.ResolveRange(ctx, SyncRequest{Contract: contractKey, FromBlock: u64(6000)})
	if from != 6000 || to != 5000 || !upToDate {
		t.Fatalf("expected up to date, got %d-%d %v", from, to, upToDate)
	}
}

func TestSyncCancelsBetweenChunks(t *testing.T) {
	ctx := context.Background()
	fc := &fakeChain{head: 999, logs: []types.Log{mintLog(50, 0, 1), mintLog(450, 0, 2)}}
	store := memory.NewStore()
	s := newTestSyncer(t, fc, store, 100)

	chunks := 0
	_, err := s.Sync(ctx, SyncRequest{Contract: contractKey, FromBlock: u64(0)}, SyncHooks{
		Progress:  func(ProgressUpdate) { chunks++ },
		Cancelled: func() bool { return chunks >= 2 },
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	cp, _, _ := store.LoadCheckpoint(ctx, contractKey)
	if cp.Status != model.SyncFailed || cp.LastSyncedBlock != 199 || cp.ErrorMessage != ErrCancelled.Error() {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestSyncRejectsInvalidAddress(t *testing.T) {
	s := newTestSyncer(t, &fakeChain{}, memory.NewStore(), 100)
	if _, err := s.Sync(context.Background(), SyncRequest{Contract: "0x123"}, SyncHooks{}); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestEstimateRemaining(t *testing.T) {
	if got := estimateRemaining(10_000, 100, 300); got != 30_000 {
		t.Fatalf("unexpected eta: %v", got)
	}
	if got := estimateRemaining(10_000, 0, 300); got != 0 {
		t.Fatalf("expected zero eta without progress, got %v", got)
	}
}

// erc20Log shares topic0 with ERC-721 Transfer but has no indexed token id.
func erc20Log(block uint64, logIndex uint) types.Log {
	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(holderA.Bytes()),
			common.BytesToHash(holderB.Bytes()),
		},
		Data:        common.BigToHash(big.NewInt(5)).Bytes(),
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(logIndex))),
		Index:       logIndex,
	}
}
