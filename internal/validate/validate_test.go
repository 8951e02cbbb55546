package validate

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenledger/internal/gaps"
	"tokenledger/internal/model"
	"tokenledger/internal/reconcile"
	"tokenledger/internal/storage/memory"
)

const (
	contract = "0xabcdef0000000000000000000000000000000001"
	holderA  = "0x00000000000000000000000000000000000000aa"
	holderB  = "0x00000000000000000000000000000000000000bb"
)

type fakeCaller struct {
	supply *big.Int
	err    error
	calls  int
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if msg.To == nil || *msg.To != common.HexToAddress(contract) {
		return nil, errors.New("unexpected target")
	}
	return common.BigToHash(f.supply).Bytes(), nil
}

func event(tx string, block uint64, from, to, tokenID, amount string, standard model.Standard) model.Event {
	return model.Event{
		ContractAddress: contract,
		TransactionHash: tx,
		BlockNumber:     block,
		EventType:       model.EventTypeTransfer,
		Standard:        standard,
		FromAddress:     from,
		ToAddress:       to,
		TokenID:         tokenID,
		Amount:          amount,
		Operator:        from,
	}
}

func setup(t *testing.T, standard model.Standard, events ...model.Event) *memory.Store {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.UpsertContract(ctx, model.Contract{Address: contract, Standard: standard}))
	_, err := store.InsertEvents(ctx, events)
	require.NoError(t, err)
	_, err = reconcile.NewReconciler(store, nil).Rebuild(ctx, contract)
	require.NoError(t, err)
	return store
}

func newValidator(store *memory.Store, caller ContractCaller) *Validator {
	detector := gaps.NewDetector(store, nil, nil, nil, gaps.Options{MinGapSize: 1, MaxGapSize: 10_000}, nil)
	return NewValidator(store, caller, detector, nil)
}

func TestVerifyPerfectSupply(t *testing.T) {
	store := setup(t, model.StandardERC721,
		event("0x01", 10, model.ZeroAddress, holderA, "1", "100", model.StandardERC721),
		event("0x02", 11, holderA, holderB, "1", "40", model.StandardERC721),
	)
	caller := &fakeCaller{supply: big.NewInt(100)}

	report, err := newValidator(store, caller).Verify(context.Background(), contract)
	require.NoError(t, err)

	require.NotNil(t, report.OnchainSupply)
	assert.Equal(t, "100", *report.OnchainSupply)
	assert.Equal(t, "100", report.DBSupply)
	assert.Equal(t, MethodTotalSupply, report.Method)
	assert.Equal(t, AccuracyPerfect, report.Accuracy)
	assert.Zero(t, report.DiffPercent)
	assert.Equal(t, 100, report.HealthScore)
	assert.Equal(t, 2, report.Holders)
	assert.Equal(t, 1, caller.calls)
}

func TestVerifySupplyDrift(t *testing.T) {
	store := setup(t, model.StandardERC721,
		event("0x01", 10, model.ZeroAddress, holderA, "1", "1", model.StandardERC721),
		event("0x02", 11, model.ZeroAddress, holderA, "2", "1", model.StandardERC721),
	)
	caller := &fakeCaller{supply: big.NewInt(4)}

	report, err := newValidator(store, caller).Verify(context.Background(), contract)
	require.NoError(t, err)

	assert.InDelta(t, 50.0, report.DiffPercent, 1e-9)
	assert.Equal(t, AccuracyCritical, report.Accuracy)
	assert.Equal(t, 60, report.HealthScore)
}

func TestVerifyERC1155UsesGapProxy(t *testing.T) {
	store := setup(t, model.StandardERC1155,
		event("0x01", 10, model.ZeroAddress, holderA, "7", "5", model.StandardERC1155),
		event("0x02", 20, model.ZeroAddress, holderA, "7", "5", model.StandardERC1155),
	)
	caller := &fakeCaller{supply: big.NewInt(1)}

	report, err := newValidator(store, caller).Verify(context.Background(), contract)
	require.NoError(t, err)

	assert.Equal(t, MethodGapProxy, report.Method)
	assert.Nil(t, report.OnchainSupply)
	assert.Equal(t, 1, report.Gaps)
	assert.Equal(t, AccuracyGood, report.Accuracy)
	assert.Equal(t, 95, report.HealthScore)
	assert.Zero(t, caller.calls)
}

func TestVerifyFallsBackWhenSupplyUnavailable(t *testing.T) {
	store := setup(t, model.StandardERC721,
		event("0x01", 10, model.ZeroAddress, holderA, "1", "1", model.StandardERC721),
	)
	caller := &fakeCaller{err: errors.New("execution reverted")}

	report, err := newValidator(store, caller).Verify(context.Background(), contract)
	require.NoError(t, err)

	assert.Equal(t, MethodGapProxy, report.Method)
	assert.Equal(t, AccuracyPerfect, report.Accuracy)
	assert.Contains(t, report.Note, "execution reverted")
}

func TestVerifyRejectsBadAddress(t *testing.T) {
	_, err := newValidator(memory.NewStore(), &fakeCaller{}).Verify(context.Background(), "nope")
	require.Error(t, err)
}

func TestClassifyAccuracy(t *testing.T) {
	cases := map[float64]Accuracy{
		0:     AccuracyPerfect,
		0.1:   AccuracyGood,
		0.499: AccuracyGood,
		0.5:   AccuracyNeedsAttention,
		4.99:  AccuracyNeedsAttention,
		5:     AccuracyCritical,
		-7:    AccuracyCritical,
	}
	for diff, want := range cases {
		assert.Equal(t, want, ClassifyAccuracy(diff), "diff %v", diff)
	}
}

func TestClassifyGaps(t *testing.T) {
	assert.Equal(t, AccuracyPerfect, ClassifyGaps(0))
	assert.Equal(t, AccuracyGood, ClassifyGaps(2))
	assert.Equal(t, AccuracyNeedsAttention, ClassifyGaps(10))
	assert.Equal(t, AccuracyCritical, ClassifyGaps(11))
}

func TestHealthScoreCapsEachDimension(t *testing.T) {
	assert.Equal(t, 100, HealthScore(0, 0, 0))
	assert.Equal(t, 70, HealthScore(1000, 0, 0))
	assert.Equal(t, 70, HealthScore(0, 1000, 0))
	assert.Equal(t, 60, HealthScore(0, 0, 1000))
	assert.Equal(t, 0, HealthScore(1000, 1000, 1000))
	assert.Equal(t, 82, HealthScore(2, 1, 1.125))
}

func TestDiffPercent(t *testing.T) {
	pct, err := DiffPercent(big.NewInt(0), "0")
	require.NoError(t, err)
	assert.Zero(t, pct)

	pct, err = DiffPercent(big.NewInt(0), "3")
	require.NoError(t, err)
	assert.Equal(t, 100.0, pct)

	pct, err = DiffPercent(big.NewInt(200), "199")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, pct, 1e-9)

	_, err = DiffPercent(big.NewInt(1), "x")
	require.Error(t, err)
}
