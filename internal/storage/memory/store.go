// Package memory is an in-process Store used by tests and dry runs.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"tokenledger/internal/model"
	"tokenledger/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps every table in maps guarded by one lock. Rebuilds hold the
// write lock for their whole duration, so readers never see a partial table.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	events      []model.Event
	keys        map[model.EventKey]struct{}
	balances    map[string][]model.Balance
	checkpoints map[string]model.Checkpoint
	contracts   map[string]model.Contract
}

func NewStore() *Store {
	return &Store{
		keys:        make(map[model.EventKey]struct{}),
		balances:    make(map[string][]model.Balance),
		checkpoints: make(map[string]model.Checkpoint),
		contracts:   make(map[string]model.Contract),
	}
}

func (s *Store) Close() {}

// InsertEvents appends events whose identity is not yet stored.
func (s *Store) InsertEvents(_ context.Context, events []model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int64
	for _, ev := range events {
		ev = normalizeEvent(ev)
		if _, ok := s.keys[ev.Key()]; ok {
			continue
		}
		s.keys[ev.Key()] = struct{}{}
		s.append(ev)
		inserted++
	}
	return inserted, nil
}

// ForceInsert appends events without the identity check, reproducing rows
// written by a non-idempotent path.
func (s *Store) ForceInsert(events ...model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range events {
		ev = normalizeEvent(ev)
		s.keys[ev.Key()] = struct{}{}
		s.append(ev)
	}
}

func (s *Store) append(ev model.Event) {
	s.nextID++
	ev.ID = s.nextID
	s.events = append(s.events, ev)
}

func (s *Store) FindDuplicates(_ context.Context, contract string) ([]model.DuplicateGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duplicates(model.NormalizeAddress(contract)), nil
}

func (s *Store) duplicates(contract string) []model.DuplicateGroup {
	groups := make(map[model.EventKey]*model.DuplicateGroup)
	order := make([]model.EventKey, 0)
	for _, ev := range s.events {
		if ev.ContractAddress != contract {
			continue
		}
		key := ev.Key()
		group, ok := groups[key]
		if !ok {
			group = &model.DuplicateGroup{
				TransactionHash: key.TransactionHash,
				LogIndex:        key.LogIndex,
				BatchIndex:      key.BatchIndex,
				KeepID:          ev.ID,
			}
			groups[key] = group
			order = append(order, key)
		}
		group.Count++
		if ev.ID < group.KeepID {
			group.KeepID = ev.ID
		}
	}

	out := make([]model.DuplicateGroup, 0)
	for _, key := range order {
		if g := groups[key]; g.Count > 1 {
			out = append(out, *g)
		}
	}
	return out
}

func (s *Store) RemoveDuplicates(_ context.Context, contract string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contract = model.NormalizeAddress(contract)
	keep := make(map[model.EventKey]int64)
	for _, g := range s.duplicates(contract) {
		keep[model.EventKey{TransactionHash: g.TransactionHash, LogIndex: g.LogIndex, BatchIndex: g.BatchIndex}] = g.KeepID
	}
	if len(keep) == 0 {
		return 0, nil
	}

	var removed int64
	kept := s.events[:0]
	for _, ev := range s.events {
		if id, ok := keep[ev.Key()]; ok && ev.ContractAddress == contract && ev.ID != id {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

func (s *Store) BlockNumbers(_ context.Context, contract string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contract = model.NormalizeAddress(contract)
	seen := make(map[uint64]struct{})
	out := make([]uint64, 0)
	for _, ev := range s.events {
		if ev.ContractAddress != contract {
			continue
		}
		if _, ok := seen[ev.BlockNumber]; ok {
			continue
		}
		seen[ev.BlockNumber] = struct{}{}
		out = append(out, ev.BlockNumber)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) CountLogs(_ context.Context, contract string, from, to uint64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type logID struct {
		tx    string
		index uint64
	}
	contract = model.NormalizeAddress(contract)
	seen := make(map[logID]struct{})
	for _, ev := range s.events {
		if ev.ContractAddress != contract || ev.BlockNumber < from || ev.BlockNumber > to {
			continue
		}
		seen[logID{tx: ev.TransactionHash, index: ev.LogIndex}] = struct{}{}
	}
	return int64(len(seen)), nil
}

func (s *Store) MaxBlock(_ context.Context, contract string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contract = model.NormalizeAddress(contract)
	var highest uint64
	found := false
	for _, ev := range s.events {
		if ev.ContractAddress != contract {
			continue
		}
		if !found || ev.BlockNumber > highest {
			highest = ev.BlockNumber
			found = true
		}
	}
	return highest, found, nil
}

func (s *Store) EventCount(_ context.Context, contract string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contract = model.NormalizeAddress(contract)
	var n int64
	for _, ev := range s.events {
		if ev.ContractAddress == contract {
			n++
		}
	}
	return n, nil
}

func (s *Store) EventStandard(_ context.Context, contract string) (model.Standard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contract = model.NormalizeAddress(contract)
	for _, ev := range s.events {
		if ev.ContractAddress == contract && ev.Standard != model.StandardUnknown {
			return ev.Standard, nil
		}
	}
	return model.StandardUnknown, nil
}

// RebuildBalances replaces the contract's balances while holding the write lock.
func (s *Store) RebuildBalances(_ context.Context, contract string, build func(storage.EventSource) ([]model.Balance, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contract = model.NormalizeAddress(contract)
	events := s.sortedEvents(func(ev model.Event) bool { return ev.ContractAddress == contract })
	source := func(fn func(model.Event) error) error {
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	}

	balances, err := build(source)
	if err != nil {
		return err
	}
	s.balances[contract] = append([]model.Balance(nil), balances...)
	return nil
}

func (s *Store) sortedEvents(match func(model.Event) bool) []model.Event {
	out := make([]model.Event, 0)
	for _, ev := range s.events {
		if match(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return model.EventLess(out[i], out[j]) })
	return out
}

func (s *Store) LoadCheckpoint(_ context.Context, contract string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[model.NormalizeAddress(contract)]
	return cp, ok, nil
}

func (s *Store) StartSync(_ context.Context, contract string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := s.checkpoint(contract)
	cp.Status = model.SyncProcessing
	cp.StartedAt = &now
	cp.CompletedAt = nil
	cp.ErrorMessage = ""
	cp.UpdatedAt = now
	s.checkpoints[cp.ContractAddress] = cp
	return nil
}

func (s *Store) AdvanceCheckpoint(_ context.Context, contract string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.checkpoint(contract)
	if !cp.Synced || block > cp.LastSyncedBlock {
		cp.LastSyncedBlock = block
		cp.Synced = true
	}
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.ContractAddress] = cp
	return nil
}

func (s *Store) CompleteSync(_ context.Context, contract string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := s.checkpoint(contract)
	cp.Status = model.SyncCompleted
	cp.CompletedAt = &now
	cp.ErrorMessage = ""
	cp.UpdatedAt = now
	s.checkpoints[cp.ContractAddress] = cp
	return nil
}

func (s *Store) FailSync(_ context.Context, contract string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.checkpoint(contract)
	cp.Status = model.SyncFailed
	cp.ErrorMessage = message
	cp.UpdatedAt = time.Now().UTC()
	s.checkpoints[cp.ContractAddress] = cp
	return nil
}

func (s *Store) checkpoint(contract string) model.Checkpoint {
	contract = model.NormalizeAddress(contract)
	cp, ok := s.checkpoints[contract]
	if !ok {
		cp = model.Checkpoint{ContractAddress: contract, Status: model.SyncNeverSynced}
	}
	return cp
}

func (s *Store) UpsertContract(_ context.Context, contract model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contract.Address = model.NormalizeAddress(contract.Address)
	if existing, ok := s.contracts[contract.Address]; ok {
		contract.CreatedAt = existing.CreatedAt
	} else if contract.CreatedAt.IsZero() {
		contract.CreatedAt = time.Now().UTC()
	}
	s.contracts[contract.Address] = contract
	return nil
}

func (s *Store) GetContract(_ context.Context, address string) (model.Contract, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[model.NormalizeAddress(address)]
	return c, ok, nil
}

func (s *Store) ListContracts(_ context.Context) ([]model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *Store) ListEvents(_ context.Context, filter storage.EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contract := model.NormalizeAddress(filter.Contract)
	holder := model.NormalizeAddress(filter.Holder)
	events := s.sortedEvents(func(ev model.Event) bool {
		switch {
		case contract != "" && ev.ContractAddress != contract:
			return false
		case holder != "" && ev.FromAddress != holder && ev.ToAddress != holder:
			return false
		case filter.TokenID != "" && model.CompareTokenIDs(ev.TokenID, filter.TokenID) != 0:
			return false
		case filter.FromBlock > 0 && ev.BlockNumber < filter.FromBlock:
			return false
		case filter.ToBlock > 0 && ev.BlockNumber > filter.ToBlock:
			return false
		}
		return true
	})
	return page(events, filter.Offset, filter.Limit), nil
}

func (s *Store) ListBalances(_ context.Context, filter storage.BalanceFilter) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	contract := model.NormalizeAddress(filter.Contract)
	holder := model.NormalizeAddress(filter.Holder)
	out := make([]model.Balance, 0)
	for addr, rows := range s.balances {
		if contract != "" && addr != contract {
			continue
		}
		for _, b := range rows {
			if holder != "" && b.HolderAddress != holder {
				continue
			}
			if filter.TokenID != "" && model.CompareTokenIDs(b.TokenID, filter.TokenID) != 0 {
				continue
			}
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return balanceLess(out[i], out[j]) })
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) SupplyTotals(_ context.Context, contract string) (model.SupplyTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	holders := make(map[string]struct{})
	tokens := make(map[string]struct{})
	total := new(big.Int)
	for _, b := range s.balances[model.NormalizeAddress(contract)] {
		holders[b.HolderAddress] = struct{}{}
		tokens[b.TokenID] = struct{}{}
		if v, ok := new(big.Int).SetString(b.Balance, 10); ok {
			total.Add(total, v)
		}
	}
	return model.SupplyTotals{
		Holders:      len(holders),
		UniqueTokens: len(tokens),
		TotalSupply:  total.String(),
	}, nil
}

func normalizeEvent(ev model.Event) model.Event {
	ev.ContractAddress = model.NormalizeAddress(ev.ContractAddress)
	ev.FromAddress = model.NormalizeAddress(ev.FromAddress)
	ev.ToAddress = model.NormalizeAddress(ev.ToAddress)
	ev.Operator = model.NormalizeAddress(ev.Operator)
	return ev
}

func balanceLess(a, b model.Balance) bool {
	if a.ContractAddress != b.ContractAddress {
		return a.ContractAddress < b.ContractAddress
	}
	if a.HolderAddress != b.HolderAddress {
		return a.HolderAddress < b.HolderAddress
	}
	return model.CompareTokenIDs(a.TokenID, b.TokenID) < 0
}

func page[T any](rows []T, offset, limit int) []T {
	limit = storage.ClampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}
