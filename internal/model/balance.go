package model

import (
	"math/big"
	"strings"
)

// Balance is a materialized holder balance. Only positive balances are stored.
type Balance struct {
	ContractAddress  string `json:"contract_address"`
	HolderAddress    string `json:"address"`
	TokenID          string `json:"token_id"`
	Balance          string `json:"balance"`
	LastUpdatedBlock uint64 `json:"last_updated_block"`
}

// SupplyTotals summarizes the current_state table for one contract.
type SupplyTotals struct {
	Holders      int    `json:"holders"`
	UniqueTokens int    `json:"unique_tokens"`
	TotalSupply  string `json:"total_supply"`
}

// CompareTokenIDs orders decimal token ids numerically. Unparsable ids sort
// after numeric ones, lexically.
func CompareTokenIDs(a, b string) int {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	switch {
	case okA && okB:
		return x.Cmp(y)
	case okA:
		return -1
	case okB:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
