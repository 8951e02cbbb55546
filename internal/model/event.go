package model

import (
	"math/big"
	"strings"
)

// ZeroAddress marks mints (as sender) and burns (as recipient).
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// EventTypeTransfer is the only event type stored in the event log.
const EventTypeTransfer = "Transfer"

// Standard identifies the token standard a contract implements.
type Standard string

const (
	StandardUnknown Standard = ""
	StandardERC721  Standard = "erc721"
	StandardERC1155 Standard = "erc1155"
)

// ParseStandard normalizes a user supplied standard name.
func ParseStandard(input string) (Standard, bool) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(input, "-", ""))) {
	case "erc721", "721":
		return StandardERC721, true
	case "erc1155", "1155":
		return StandardERC1155, true
	case "":
		return StandardUnknown, true
	default:
		return StandardUnknown, false
	}
}

// Kind records which log shape an event was decoded from.
type Kind string

const (
	KindTransfer       Kind = "Transfer"
	KindTransferSingle Kind = "TransferSingle"
	KindTransferBatch  Kind = "TransferBatch"
)

// Event is one normalized transfer. It is immutable once stored.
//
// Identity is (TransactionHash, LogIndex, BatchIndex). BatchIndex is zero for
// everything except the sub-entries of a TransferBatch log.
type Event struct {
	ID              int64    `json:"-"`
	ContractAddress string   `json:"contract_address"`
	TransactionHash string   `json:"transaction_hash"`
	LogIndex        uint64   `json:"log_index"`
	BatchIndex      uint32   `json:"batch_index"`
	BlockNumber     uint64   `json:"block_number"`
	BlockTimestamp  uint64   `json:"block_timestamp"`
	EventType       string   `json:"event_type"`
	Kind            Kind     `json:"kind,omitempty"`
	Standard        Standard `json:"token_standard"`
	FromAddress     string   `json:"from_address"`
	ToAddress       string   `json:"to_address"`
	TokenID         string   `json:"token_id"`
	Amount          string   `json:"amount"`
	Operator        string   `json:"operator"`
}

// EventKey is the unique identity of an event.
type EventKey struct {
	TransactionHash string
	LogIndex        uint64
	BatchIndex      uint32
}

// Key returns the event identity.
func (e Event) Key() EventKey {
	return EventKey{TransactionHash: e.TransactionHash, LogIndex: e.LogIndex, BatchIndex: e.BatchIndex}
}

// IsMint reports whether the event created tokens.
func (e Event) IsMint() bool {
	return e.FromAddress == ZeroAddress
}

// IsBurn reports whether the event destroyed tokens.
func (e Event) IsBurn() bool {
	return e.ToAddress == ZeroAddress
}

// AmountInt parses the decimal amount.
func (e Event) AmountInt() (*big.Int, bool) {
	return new(big.Int).SetString(e.Amount, 10)
}

// EventLess orders events by (block, log index, batch index, row id).
func EventLess(a, b Event) bool {
	if a.BlockNumber != b.BlockNumber {
		return a.BlockNumber < b.BlockNumber
	}
	if a.LogIndex != b.LogIndex {
		return a.LogIndex < b.LogIndex
	}
	if a.BatchIndex != b.BatchIndex {
		return a.BatchIndex < b.BatchIndex
	}
	return a.ID < b.ID
}

// NormalizeAddress lower-cases a hex address for storage and lookups.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// DuplicateGroup is a set of rows sharing one event identity.
type DuplicateGroup struct {
	TransactionHash string `json:"transaction_hash"`
	LogIndex        uint64 `json:"log_index"`
	BatchIndex      uint32 `json:"batch_index"`
	Count           int    `json:"count"`
	KeepID          int64  `json:"keep_id"`
}
