// Package validate cross-checks stored balances against live chain reads.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"tokenledger/internal/decoder"
	"tokenledger/internal/gaps"
	"tokenledger/internal/metrics"
	"tokenledger/internal/model"
	"tokenledger/internal/storage"
)

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// GapFinder scans the stored block sequence of a contract.
type GapFinder interface {
	FindGaps(ctx context.Context, contract string) (gaps.Report, error)
}

// Store is the persistence surface the validator reads.
type Store interface {
	storage.EventStore
	storage.ContractStore
	storage.QueryStore
}

// Method names how accuracy was derived.
type Method string

const (
	MethodTotalSupply Method = "total_supply"
	MethodGapProxy    Method = "gap_proxy"
)

// Report is the outcome of one verification run.
type Report struct {
	Contract      string         `json:"contract"`
	Standard      model.Standard `json:"token_standard"`
	Method        Method         `json:"method"`
	OnchainSupply *string        `json:"onchain_supply"`
	DBSupply      string         `json:"db_supply"`
	DiffPercent   float64        `json:"diff_percent"`
	Accuracy      Accuracy       `json:"accuracy"`
	Holders       int            `json:"holders"`
	UniqueTokens  int            `json:"unique_tokens"`
	Duplicates    int            `json:"duplicates"`
	Gaps          int            `json:"gaps"`
	OversizedGaps int            `json:"oversized_gaps"`
	HealthScore   int            `json:"health_score"`
	Note          string         `json:"note,omitempty"`
}

// Validator produces verification reports. It never fails on data-quality
// findings, only on infrastructure errors.
type Validator struct {
	store  Store
	caller ContractCaller
	gaps   GapFinder
	logger *zap.Logger
}

func NewValidator(store Store, caller ContractCaller, gapFinder GapFinder, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{store: store, caller: caller, gaps: gapFinder, logger: logger}
}

// Verify compares stored supply with the chain for ERC-721 contracts and
// falls back to the gap count for ERC-1155, which has no on-chain aggregate.
func (v *Validator) Verify(ctx context.Context, contract string) (Report, error) {
	if !common.IsHexAddress(contract) {
		return Report{}, fmt.Errorf("invalid address: %q", contract)
	}
	contract = model.NormalizeAddress(contract)

	standard, err := v.standard(ctx, contract)
	if err != nil {
		return Report{}, err
	}
	totals, err := v.store.SupplyTotals(ctx, contract)
	if err != nil {
		return Report{}, fmt.Errorf("supply totals: %w", err)
	}
	dups, err := v.store.FindDuplicates(ctx, contract)
	if err != nil {
		return Report{}, fmt.Errorf("find duplicates: %w", err)
	}
	gapReport, err := v.gaps.FindGaps(ctx, contract)
	if err != nil {
		return Report{}, fmt.Errorf("find gaps: %w", err)
	}

	report := Report{
		Contract:      contract,
		Standard:      standard,
		DBSupply:      totals.TotalSupply,
		Holders:       totals.Holders,
		UniqueTokens:  totals.UniqueTokens,
		Duplicates:    len(dups),
		Gaps:          len(gapReport.Gaps),
		OversizedGaps: len(gapReport.Oversized),
	}
	gapCount := report.Gaps + report.OversizedGaps

	report.Method = MethodGapProxy
	report.Accuracy = ClassifyGaps(gapCount)
	if standard == model.StandardERC1155 {
		report.Note = "erc1155 has no on-chain supply aggregate"
	} else {
		onchain, err := TotalSupply(ctx, v.caller, common.HexToAddress(contract))
		switch {
		case err == nil:
			supply := onchain.String()
			report.OnchainSupply = &supply
			report.Method = MethodTotalSupply
			report.DiffPercent, err = DiffPercent(onchain, totals.TotalSupply)
			if err != nil {
				return Report{}, err
			}
			report.Accuracy = ClassifyAccuracy(report.DiffPercent)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return Report{}, err
		default:
			v.logger.Warn("totalSupply unavailable, using gap proxy",
				zap.String("contract", contract),
				zap.Error(err),
			)
			report.Note = fmt.Sprintf("totalSupply unavailable: %v", err)
		}
	}

	report.HealthScore = HealthScore(report.Duplicates, gapCount, report.DiffPercent)
	metrics.HealthScore.WithLabelValues(contract).Set(float64(report.HealthScore))

	if report.Accuracy != AccuracyPerfect {
		v.logger.Warn("contract verification drift",
			zap.String("contract", contract),
			zap.String("accuracy", string(report.Accuracy)),
			zap.Float64("diff_percent", report.DiffPercent),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("gaps", gapCount),
		)
	}
	return report, nil
}

func (v *Validator) standard(ctx context.Context, contract string) (model.Standard, error) {
	c, ok, err := v.store.GetContract(ctx, contract)
	if err != nil {
		return model.StandardUnknown, fmt.Errorf("get contract: %w", err)
	}
	if ok && c.Standard != model.StandardUnknown {
		return c.Standard, nil
	}
	standard, err := v.store.EventStandard(ctx, contract)
	if err != nil {
		return model.StandardUnknown, fmt.Errorf("event standard: %w", err)
	}
	return standard, nil
}

// DiffPercent returns |onchain - stored| / onchain in percent. A zero
// on-chain supply yields 0 when stored is also zero and 100 otherwise.
func DiffPercent(onchain *big.Int, stored string) (float64, error) {
	db, ok := new(big.Int).SetString(stored, 10)
	if !ok {
		return 0, fmt.Errorf("invalid stored supply: %q", stored)
	}
	if onchain.Sign() == 0 {
		if db.Sign() == 0 {
			return 0, nil
		}
		return 100, nil
	}
	diff := new(big.Int).Sub(onchain, db)
	diff.Abs(diff)
	ratio := new(big.Float).Quo(new(big.Float).SetInt(diff), new(big.Float).SetInt(onchain))
	pct, _ := ratio.Mul(ratio, big.NewFloat(100)).Float64()
	return pct, nil
}

// TotalSupply reads the ERC-721 totalSupply view.
func TotalSupply(ctx context.Context, caller ContractCaller, token common.Address) (*big.Int, error) {
	if caller == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	tokenABI, err := decoder.TokenABI()
	if err != nil {
		return nil, err
	}

	data, err := tokenABI.Pack("totalSupply")
	if err != nil {
		return nil, fmt.Errorf("pack totalSupply: %w", err)
	}

	msg := ethereum.CallMsg{To: &token, Data: data}
	resp, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call totalSupply: %w", err)
	}

	values, err := tokenABI.Unpack("totalSupply", resp)
	if err != nil {
		return nil, fmt.Errorf("unpack totalSupply: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("totalSupply return size %d", len(values))
	}
	supply, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("totalSupply unexpected type %T", values[0])
	}
	return supply, nil
}
