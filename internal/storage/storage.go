// Package storage defines persistence for the event log, the derived balance
// table, sync checkpoints and the contract registry.
package storage

import (
	"context"

	"tokenledger/internal/model"
)

// EventSource streams a contract's events in replay order, calling fn once
// per row. It stops at the first error returned by fn.
type EventSource func(fn func(model.Event) error) error

// EventStore is the append-only event log.
type EventStore interface {
	// InsertEvents writes events in one transaction, ignoring identities
	// already present. It returns the number of new rows.
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
	FindDuplicates(ctx context.Context, contract string) ([]model.DuplicateGroup, error)
	// RemoveDuplicates keeps the lowest row id of every duplicate group.
	RemoveDuplicates(ctx context.Context, contract string) (int64, error)
	// BlockNumbers returns the distinct block numbers holding events, ascending.
	BlockNumbers(ctx context.Context, contract string) ([]uint64, error)
	// CountLogs counts distinct source logs in [from, to].
	CountLogs(ctx context.Context, contract string, from, to uint64) (int64, error)
	MaxBlock(ctx context.Context, contract string) (uint64, bool, error)
	EventCount(ctx context.Context, contract string) (int64, error)
	// EventStandard returns the token standard recorded on stored events.
	EventStandard(ctx context.Context, contract string) (model.Standard, error)
}

// BalanceStore owns the materialized balance table.
type BalanceStore interface {
	// RebuildBalances replaces every balance row of contract with the output
	// of build, atomically. build reads the event log through source.
	RebuildBalances(ctx context.Context, contract string, build func(source EventSource) ([]model.Balance, error)) error
}

// CheckpointStore persists per-contract sync progress.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, contract string) (model.Checkpoint, bool, error)
	StartSync(ctx context.Context, contract string) error
	// AdvanceCheckpoint records block as durably synced. It never moves the
	// checkpoint backwards.
	AdvanceCheckpoint(ctx context.Context, contract string, block uint64) error
	CompleteSync(ctx context.Context, contract string) error
	FailSync(ctx context.Context, contract string, message string) error
}

// ContractStore is the registry of tracked contracts.
type ContractStore interface {
	UpsertContract(ctx context.Context, contract model.Contract) error
	GetContract(ctx context.Context, address string) (model.Contract, bool, error)
	ListContracts(ctx context.Context) ([]model.Contract, error)
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Contract  string
	Holder    string
	TokenID   string
	FromBlock uint64
	ToBlock   uint64
	Limit     int
	Offset    int
}

// BalanceFilter narrows ListBalances. Zero values match everything.
type BalanceFilter struct {
	Contract string
	Holder   string
	TokenID  string
	Limit    int
	Offset   int
}

// QueryStore is the read side used by the control API.
type QueryStore interface {
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]model.Balance, error)
	SupplyTotals(ctx context.Context, contract string) (model.SupplyTotals, error)
}

// Store is everything the indexer persists.
type Store interface {
	EventStore
	BalanceStore
	CheckpointStore
	ContractStore
	QueryStore
	Close()
}

// DefaultListLimit caps list queries without an explicit limit.
const DefaultListLimit = 100

// MaxListLimit is the largest page a list query returns.
const MaxListLimit = 1000

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
