package decoder

import (
	"errors"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"tokenledger/internal/model"
)

var (
	contract = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	alice    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	bob      = common.HexToAddress("0x3333333333333333333333333333333333333333")
	operator = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func TestDecodeERC721Mint(t *testing.T) {
	d := newDecoder(t)
	tokenABI, _ := TokenABI()

	log := buildLogRecord(tokenABI.Events["Transfer"].ID, nil, []common.Hash{
		topicFromAddress(common.Address{}),
		topicFromAddress(alice),
		common.BigToHash(big.NewInt(42)),
	})

	events, err := d.Decode(log)
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0]
	want := model.Event{
		ContractAddress: "0xabcdef0000000000000000000000000000000001",
		TransactionHash: "0xdef0",
		LogIndex:        7,
		BlockNumber:     12345,
		BlockTimestamp:  1700000000,
		EventType:       model.EventTypeTransfer,
		Kind:            model.KindTransfer,
		Standard:        model.StandardERC721,
		FromAddress:     model.ZeroAddress,
		ToAddress:       "0x2222222222222222222222222222222222222222",
		TokenID:         "42",
		Amount:          "1",
		Operator:        model.ZeroAddress,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("event mismatch:\n got %+v\nwant %+v", got, want)
	}
	if !got.IsMint() || got.IsBurn() {
		t.Fatalf("expected mint flags")
	}
}

func TestDecodeTransferSingle(t *testing.T) {
	d := newDecoder(t)
	tokenABI, _ := TokenABI()
	event := tokenABI.Events["TransferSingle"]

	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(9), big.NewInt(250))
	if err != nil {
		t.Fatalf("pack transfer single: %v", err)
	}
	log := buildLogRecord(event.ID, data, []common.Hash{
		topicFromAddress(operator),
		topicFromAddress(alice),
		topicFromAddress(common.Address{}),
	})

	events, err := d.Decode(log)
	if err != nil {
		t.Fatalf("decode transfer single: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0]
	if got.Standard != model.StandardERC1155 || got.Kind != model.KindTransferSingle {
		t.Fatalf("unexpected tags: %+v", got)
	}
	if got.TokenID != "9" || got.Amount != "250" {
		t.Fatalf("unexpected token/amount: %s/%s", got.TokenID, got.Amount)
	}
	if got.Operator != "0x4444444444444444444444444444444444444444" {
		t.Fatalf("unexpected operator: %s", got.Operator)
	}
	if !got.IsBurn() {
		t.Fatalf("expected burn")
	}
}

func TestDecodeTransferBatchExpands(t *testing.T) {
	d := newDecoder(t)
	tokenABI, _ := TokenABI()
	event := tokenABI.Events["TransferBatch"]

	ids := []*big.Int{big.NewInt(5), big.NewInt(1), big.NewInt(4), big.NewInt(2), big.NewInt(3)}
	values := []*big.Int{big.NewInt(10), big.NewInt(20), big.NewInt(30), big.NewInt(40), big.NewInt(50)}
	data, err := event.Inputs.NonIndexed().Pack(ids, values)
	if err != nil {
		t.Fatalf("pack transfer batch: %v", err)
	}
	log := buildLogRecord(event.ID, data, []common.Hash{
		topicFromAddress(operator),
		topicFromAddress(alice),
		topicFromAddress(bob),
	})

	events, err := d.Decode(log)
	if err != nil {
		t.Fatalf("decode transfer batch: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	seen := make(map[model.EventKey]struct{})
	for i, ev := range events {
		if _, dup := seen[ev.Key()]; dup {
			t.Fatalf("duplicate identity %+v", ev.Key())
		}
		seen[ev.Key()] = struct{}{}

		if ev.LogIndex != 7 || ev.BatchIndex != uint32(i) {
			t.Fatalf("event %d has position (%d,%d)", i, ev.LogIndex, ev.BatchIndex)
		}
		if ev.TokenID != ids[i].String() || ev.Amount != values[i].String() {
			t.Fatalf("event %d out of order: %s/%s", i, ev.TokenID, ev.Amount)
		}
		if i > 0 && !model.EventLess(events[i-1], ev) {
			t.Fatalf("event %d does not sort after its predecessor", i)
		}
	}
}

func TestDecodeRejectsERC20Transfer(t *testing.T) {
	d := newDecoder(t)
	tokenABI, _ := TokenABI()

	amount := common.BigToHash(big.NewInt(1000))
	log := buildLogRecord(tokenABI.Events["Transfer"].ID, amount.Bytes(), []common.Hash{
		topicFromAddress(alice),
		topicFromAddress(bob),
	})

	_, err := d.Decode(log)
	if !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected ErrUnrecognized, got %v", err)
	}
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	d := newDecoder(t)

	approval := crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))
	if d.CanDecode(approval.Hex()) {
		t.Fatalf("approval should not be decodable")
	}

	_, err := d.Decode(buildLogRecord(approval, nil, nil))
	if !errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected ErrUnrecognized, got %v", err)
	}
}

func TestDecodeBatchLengthMismatch(t *testing.T) {
	d := newDecoder(t)
	tokenABI, _ := TokenABI()
	event := tokenABI.Events["TransferBatch"]

	data, err := event.Inputs.NonIndexed().Pack(
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		[]*big.Int{big.NewInt(1)},
	)
	if err != nil {
		t.Fatalf("pack transfer batch: %v", err)
	}
	log := buildLogRecord(event.ID, data, []common.Hash{
		topicFromAddress(operator),
		topicFromAddress(alice),
		topicFromAddress(bob),
	})

	_, err = d.Decode(log)
	if err == nil || errors.Is(err, ErrUnrecognized) {
		t.Fatalf("expected malformed batch error, got %v", err)
	}
}

func TestTopicsMatchSignatures(t *testing.T) {
	d := newDecoder(t)

	want := []common.Hash{
		crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
		crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)")),
		crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])")),
	}
	if got := d.Topics(); !reflect.DeepEqual(got, want) {
		t.Fatalf("topics mismatch: %v != %v", got, want)
	}
}

func newDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := New()
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	return d
}

func buildLogRecord(topic0 common.Hash, data []byte, indexed []common.Hash) model.LogRecord {
	topics := make([]string, 0, len(indexed)+1)
	topics = append(topics, topic0.Hex())
	for _, topic := range indexed {
		topics = append(topics, topic.Hex())
	}

	return model.LogRecord{
		ChainID:     1,
		BlockNumber: 12345,
		BlockHash:   "0xabc",
		TxHash:      "0xDEF0",
		LogIndex:    7,
		Address:     contract.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(data),
		Timestamp:   1700000000,
	}
}

func topicFromAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
