// Package reconcile rebuilds the current balance table by replaying the
// event log.
package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"go.uber.org/zap"

	"tokenledger/internal/metrics"
	"tokenledger/internal/model"
	"tokenledger/internal/storage"
)

// Result is what a replay produced.
type Result struct {
	Balances  []model.Balance
	Negatives []Negative
	Events    int64
	Repeated  int64
}

// Replay folds the events of contract, in the order source yields them, into
// positive balances.
func Replay(contract string, source storage.EventSource) (Result, error) {
	ledger := NewLedger()
	if err := source(ledger.Apply); err != nil {
		return Result{}, err
	}
	balances, negatives := ledger.Balances(contract)
	return Result{
		Balances:  balances,
		Negatives: negatives,
		Events:    ledger.applied,
		Repeated:  ledger.repeated,
	}, nil
}

// Summary describes a rebuilt balance table.
type Summary struct {
	Contract     string `json:"contract"`
	Holders      int    `json:"holders"`
	UniqueTokens int    `json:"unique_tokens"`
	TotalSupply  string `json:"total_supply"`
	Events       int64  `json:"events_replayed"`
	Negatives    int    `json:"negative_balances"`
}

// Summarize counts distinct holders and tokens and sums all balances.
func Summarize(contract string, balances []model.Balance) Summary {
	holders := make(map[string]struct{})
	tokens := make(map[string]struct{})
	total := new(big.Int)
	for _, b := range balances {
		holders[b.HolderAddress] = struct{}{}
		tokens[b.TokenID] = struct{}{}
		if v, ok := new(big.Int).SetString(b.Balance, 10); ok {
			total.Add(total, v)
		}
	}
	return Summary{
		Contract:     model.NormalizeAddress(contract),
		Holders:      len(holders),
		UniqueTokens: len(tokens),
		TotalSupply:  total.String(),
	}
}

// Reconciler replaces a contract's balance rows with a fresh replay.
type Reconciler struct {
	store  storage.BalanceStore
	logger *zap.Logger
}

func NewReconciler(store storage.BalanceStore, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, logger: logger}
}

// Rebuild replays the event log of contract inside one store transaction.
// Readers see either the old table or the new one.
func (r *Reconciler) Rebuild(ctx context.Context, contract string) (Summary, error) {
	contract = model.NormalizeAddress(contract)
	var result Result
	err := r.store.RebuildBalances(ctx, contract, func(source storage.EventSource) ([]model.Balance, error) {
		var err error
		result, err = Replay(contract, source)
		if err != nil {
			return nil, err
		}
		return result.Balances, nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("rebuild balances: %w", err)
	}

	for _, neg := range result.Negatives {
		r.logger.Warn("negative balance dropped",
			zap.String("contract", contract),
			zap.String("holder", neg.Holder),
			zap.String("token_id", neg.TokenID),
			zap.String("balance", neg.Balance),
		)
	}
	if len(result.Negatives) > 0 {
		metrics.NegativeBalances.WithLabelValues(contract).Add(float64(len(result.Negatives)))
	}
	if result.Repeated > 0 {
		r.logger.Warn("repeated event identities skipped during replay",
			zap.String("contract", contract),
			zap.Int64("repeated", result.Repeated),
		)
	}

	summary := Summarize(contract, result.Balances)
	summary.Events = result.Events
	summary.Negatives = len(result.Negatives)
	r.logger.Info("balances rebuilt",
		zap.String("contract", contract),
		zap.Int("holders", summary.Holders),
		zap.Int("unique_tokens", summary.UniqueTokens),
		zap.String("total_supply", summary.TotalSupply),
		zap.Int64("events", summary.Events),
	)
	return summary, nil
}

// Imbalance is a token whose stored balances disagree with its net issuance.
type Imbalance struct {
	TokenID  string `json:"token_id"`
	Issued   string `json:"issued"`
	Balances string `json:"balances"`
}

// Conservation compares, per token id, the sum of balances against minted
// minus burned amounts. Only distinct event identities are counted.
func Conservation(events []model.Event, balances []model.Balance) ([]Imbalance, error) {
	issued := make(map[string]*big.Int)
	seen := make(map[model.EventKey]struct{}, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.Key()]; ok {
			continue
		}
		seen[ev.Key()] = struct{}{}
		if ev.IsMint() == ev.IsBurn() {
			continue
		}
		amount, err := parseAmount(ev.Amount)
		if err != nil {
			return nil, err
		}
		total := issued[ev.TokenID]
		if total == nil {
			total = new(big.Int)
			issued[ev.TokenID] = total
		}
		if ev.IsMint() {
			total.Add(total, amount)
		} else {
			total.Sub(total, amount)
		}
	}

	held := make(map[string]*big.Int)
	for _, b := range balances {
		v, ok := new(big.Int).SetString(b.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("invalid balance: %s", b.Balance)
		}
		total := held[b.TokenID]
		if total == nil {
			total = new(big.Int)
			held[b.TokenID] = total
		}
		total.Add(total, v)
	}

	tokens := make([]string, 0, len(issued)+len(held))
	for id := range issued {
		tokens = append(tokens, id)
	}
	for id := range held {
		if _, ok := issued[id]; !ok {
			tokens = append(tokens, id)
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return model.CompareTokenIDs(tokens[i], tokens[j]) < 0 })

	out := make([]Imbalance, 0)
	for _, id := range tokens {
		a, b := valueOrZero(issued[id]), valueOrZero(held[id])
		if a.Cmp(b) != 0 {
			out = append(out, Imbalance{TokenID: id, Issued: a.String(), Balances: b.String()})
		}
	}
	return out, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func sortBalances(balances []model.Balance) {
	sort.Slice(balances, func(i, j int) bool {
		if balances[i].HolderAddress != balances[j].HolderAddress {
			return balances[i].HolderAddress < balances[j].HolderAddress
		}
		return model.CompareTokenIDs(balances[i].TokenID, balances[j].TokenID) < 0
	})
}
