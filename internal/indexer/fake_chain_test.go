package indexer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"tokenledger/internal/chain"
)

var (
	testContract  = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	holderA       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	holderB       = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fakeChain struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	maxSpan    uint64
	transient  int
	permanent  error
	calls      []BlockRange
	timestamps int
}

func (f *fakeChain) FilterLogs(_ context.Context, address common.Address, fromBlock, toBlock uint64, _ []common.Hash) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, BlockRange{From: fromBlock, To: toBlock})
	if f.permanent != nil {
		return nil, chain.Classify("eth_getLogs", f.permanent)
	}
	if f.transient > 0 {
		f.transient--
		return nil, chain.Classify("eth_getLogs", errors.New("read tcp: connection reset by peer"))
	}
	if f.maxSpan > 0 && toBlock-fromBlock+1 > f.maxSpan {
		return nil, chain.Classify("eth_getLogs", errors.New("query returned more than 10000 results"))
	}

	out := make([]types.Log, 0)
	// Newest first, so callers must sort.
	for i := len(f.logs) - 1; i >= 0; i-- {
		log := f.logs[i]
		if log.Address == address && log.BlockNumber >= fromBlock && log.BlockNumber <= toBlock {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	f.mu.Lock()
	f.timestamps++
	f.mu.Unlock()
	return 1_600_000_000 + number*12, nil
}

func (f *fakeChain) GetChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeChain) rangesCalled() []BlockRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BlockRange(nil), f.calls...)
}

func mintLog(block uint64, logIndex uint, tokenID int64) types.Log {
	return transferLog(block, logIndex, common.Address{}, holderA, tokenID)
}

func transferLog(block uint64, logIndex uint, from, to common.Address, tokenID int64) types.Log {
	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*1000 + uint64(logIndex))),
		Index:       logIndex,
	}
}

func noSleep(context.Context, time.Duration) error {
	return nil
}
