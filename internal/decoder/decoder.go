// Package decoder turns raw transfer logs into canonical events.
package decoder

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"tokenledger/internal/model"
)

// ErrUnrecognized marks a log outside the Transfer family. Callers skip it.
var ErrUnrecognized = errors.New("unrecognized log")

// Decoder decodes ERC-721 Transfer and ERC-1155 TransferSingle/TransferBatch.
type Decoder struct {
	tokenABI    abi.ABI
	topicToKind map[string]model.Kind
	topics      []common.Hash
}

// New builds a Decoder.
func New() (*Decoder, error) {
	tokenABI, err := TokenABI()
	if err != nil {
		return nil, err
	}

	kinds := []model.Kind{model.KindTransfer, model.KindTransferSingle, model.KindTransferBatch}
	d := &Decoder{
		tokenABI:    tokenABI,
		topicToKind: make(map[string]model.Kind, len(kinds)),
		topics:      make([]common.Hash, 0, len(kinds)),
	}
	for _, kind := range kinds {
		id := tokenABI.Events[string(kind)].ID
		d.topicToKind[strings.ToLower(id.Hex())] = kind
		d.topics = append(d.topics, id)
	}
	return d, nil
}

// Topics returns the topic0 filter for eth_getLogs.
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, len(d.topics))
	copy(out, d.topics)
	return out
}

// CanDecode checks if the topic0 is supported.
func (d *Decoder) CanDecode(topic0 string) bool {
	if topic0 == "" {
		return false
	}
	_, ok := d.topicToKind[strings.ToLower(topic0)]
	return ok
}

// Decode converts a LogRecord into canonical events. A TransferBatch yields
// one event per id, numbered by BatchIndex in log order; the other shapes
// yield exactly one.
func (d *Decoder) Decode(log model.LogRecord) ([]model.Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: missing topics", ErrUnrecognized)
	}
	kind, ok := d.topicToKind[strings.ToLower(log.Topics[0])]
	if !ok {
		return nil, fmt.Errorf("%w: topic0 %s", ErrUnrecognized, log.Topics[0])
	}
	if !common.IsHexAddress(log.Address) {
		return nil, fmt.Errorf("invalid contract address: %s", log.Address)
	}

	switch kind {
	case model.KindTransfer:
		// ERC-20 Transfer has the same topic0 but only two indexed arguments.
		if len(log.Topics) != 4 {
			return nil, fmt.Errorf("%w: transfer with %d topics", ErrUnrecognized, len(log.Topics))
		}
		event, err := d.decodeTransfer(log)
		if err != nil {
			return nil, err
		}
		return []model.Event{event}, nil
	case model.KindTransferSingle:
		event, err := d.decodeTransferSingle(log)
		if err != nil {
			return nil, err
		}
		return []model.Event{event}, nil
	case model.KindTransferBatch:
		return d.decodeTransferBatch(log)
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrUnrecognized, kind)
	}
}

func (d *Decoder) decodeTransfer(log model.LogRecord) (model.Event, error) {
	event := d.tokenABI.Events[string(model.KindTransfer)]
	indexedTopics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return model.Event{}, err
	}

	var indexed struct {
		From    common.Address
		To      common.Address
		TokenId *big.Int
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return model.Event{}, fmt.Errorf("parse topics: %w", err)
	}

	from := addressString(indexed.From)
	out := baseEvent(log, model.KindTransfer, model.StandardERC721)
	out.FromAddress = from
	out.ToAddress = addressString(indexed.To)
	out.TokenID = indexed.TokenId.String()
	out.Amount = "1"
	out.Operator = from
	return out, nil
}

func (d *Decoder) decodeTransferSingle(log model.LogRecord) (model.Event, error) {
	event := d.tokenABI.Events[string(model.KindTransferSingle)]
	indexed, err := parseOperatorTopics(event, log.Topics)
	if err != nil {
		return model.Event{}, err
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return model.Event{}, err
	}
	if len(values) != 2 {
		return model.Event{}, fmt.Errorf("unexpected transfer single values: %d", len(values))
	}
	id, err := asBigInt(values[0])
	if err != nil {
		return model.Event{}, err
	}
	value, err := asBigInt(values[1])
	if err != nil {
		return model.Event{}, err
	}

	out := baseEvent(log, model.KindTransferSingle, model.StandardERC1155)
	out.Operator = addressString(indexed.Operator)
	out.FromAddress = addressString(indexed.From)
	out.ToAddress = addressString(indexed.To)
	out.TokenID = id.String()
	out.Amount = value.String()
	return out, nil
}

func (d *Decoder) decodeTransferBatch(log model.LogRecord) ([]model.Event, error) {
	event := d.tokenABI.Events[string(model.KindTransferBatch)]
	indexed, err := parseOperatorTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}

	values, err := unpackNonIndexed(event, log.Data)
	if err != nil {
		return nil, err
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected transfer batch values: %d", len(values))
	}
	ids, err := asBigIntSlice(values[0])
	if err != nil {
		return nil, err
	}
	amounts, err := asBigIntSlice(values[1])
	if err != nil {
		return nil, err
	}
	if len(ids) != len(amounts) {
		return nil, fmt.Errorf("transfer batch length mismatch: %d ids, %d values", len(ids), len(amounts))
	}

	operator := addressString(indexed.Operator)
	from := addressString(indexed.From)
	to := addressString(indexed.To)

	out := make([]model.Event, 0, len(ids))
	for i := range ids {
		ev := baseEvent(log, model.KindTransferBatch, model.StandardERC1155)
		ev.BatchIndex = uint32(i)
		ev.Operator = operator
		ev.FromAddress = from
		ev.ToAddress = to
		ev.TokenID = ids[i].String()
		ev.Amount = amounts[i].String()
		out = append(out, ev)
	}
	return out, nil
}

type operatorTopics struct {
	Operator common.Address
	From     common.Address
	To       common.Address
}

func parseOperatorTopics(event abi.Event, topics []string) (operatorTopics, error) {
	indexedTopics, err := parseIndexedTopics(event, topics)
	if err != nil {
		return operatorTopics{}, err
	}
	var indexed operatorTopics
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), indexedTopics); err != nil {
		return operatorTopics{}, fmt.Errorf("parse topics: %w", err)
	}
	return indexed, nil
}

func baseEvent(log model.LogRecord, kind model.Kind, standard model.Standard) model.Event {
	return model.Event{
		ContractAddress: model.NormalizeAddress(log.Address),
		TransactionHash: strings.ToLower(log.TxHash),
		LogIndex:        log.LogIndex,
		BlockNumber:     log.BlockNumber,
		BlockTimestamp:  log.Timestamp,
		EventType:       model.EventTypeTransfer,
		Kind:            kind,
		Standard:        standard,
	}
}

func addressString(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
