package reconcile

import (
	"fmt"
	"math/big"

	"tokenledger/internal/model"
)

type holding struct {
	holder  string
	tokenID string
}

type position struct {
	balance   *big.Int
	lastBlock uint64
}

// Ledger accumulates signed balances per (holder, token id). The zero
// address never holds a position.
type Ledger struct {
	positions map[holding]*position
	lastKey   model.EventKey
	seen      bool
	applied   int64
	repeated  int64
}

func NewLedger() *Ledger {
	return &Ledger{positions: make(map[holding]*position)}
}

// Apply folds one event into the ledger. Events must arrive in replay order;
// an event repeating the identity of the previous one is ignored.
func (l *Ledger) Apply(ev model.Event) error {
	key := ev.Key()
	if l.seen && key == l.lastKey {
		l.repeated++
		return nil
	}
	l.lastKey = key
	l.seen = true

	amount, err := parseAmount(ev.Amount)
	if err != nil {
		return fmt.Errorf("event %s/%d/%d: %w", ev.TransactionHash, ev.LogIndex, ev.BatchIndex, err)
	}
	if !ev.IsMint() {
		l.add(ev.FromAddress, ev.TokenID, new(big.Int).Neg(amount), ev.BlockNumber)
	}
	if !ev.IsBurn() {
		l.add(ev.ToAddress, ev.TokenID, amount, ev.BlockNumber)
	}
	l.applied++
	return nil
}

func (l *Ledger) add(holder, tokenID string, delta *big.Int, block uint64) {
	key := holding{holder: model.NormalizeAddress(holder), tokenID: tokenID}
	pos, ok := l.positions[key]
	if !ok {
		pos = &position{balance: new(big.Int)}
		l.positions[key] = pos
	}
	pos.balance.Add(pos.balance, delta)
	if block > pos.lastBlock {
		pos.lastBlock = block
	}
}

// Negative is a position that replayed below zero.
type Negative struct {
	Holder  string
	TokenID string
	Balance string
}

// Balances returns every positive position for contract, ordered by holder
// and then numeric token id, together with the positions that went negative.
func (l *Ledger) Balances(contract string) ([]model.Balance, []Negative) {
	contract = model.NormalizeAddress(contract)
	out := make([]model.Balance, 0, len(l.positions))
	negatives := make([]Negative, 0)
	for key, pos := range l.positions {
		switch pos.balance.Sign() {
		case 1:
			out = append(out, model.Balance{
				ContractAddress:  contract,
				HolderAddress:    key.holder,
				TokenID:          key.tokenID,
				Balance:          pos.balance.String(),
				LastUpdatedBlock: pos.lastBlock,
			})
		case -1:
			negatives = append(negatives, Negative{Holder: key.holder, TokenID: key.tokenID, Balance: pos.balance.String()})
		}
	}
	sortBalances(out)
	return out, negatives
}

func parseAmount(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	if parsed.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", value)
	}
	return parsed, nil
}
