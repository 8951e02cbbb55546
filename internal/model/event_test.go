package model

import (
	"sort"
	"testing"
)

func TestEventLessOrdersByBlockLogBatch(t *testing.T) {
	events := []Event{
		{ID: 4, BlockNumber: 20, LogIndex: 0},
		{ID: 3, BlockNumber: 10, LogIndex: 5, BatchIndex: 1},
		{ID: 2, BlockNumber: 10, LogIndex: 5, BatchIndex: 0},
		{ID: 1, BlockNumber: 10, LogIndex: 2},
	}
	sort.Slice(events, func(i, j int) bool { return EventLess(events[i], events[j]) })

	want := []int64{1, 2, 3, 4}
	for i, e := range events {
		if e.ID != want[i] {
			t.Fatalf("position %d: got id %d, want %d", i, e.ID, want[i])
		}
	}
}

func TestMintBurnFlags(t *testing.T) {
	mint := Event{FromAddress: ZeroAddress, ToAddress: "0xaa"}
	burn := Event{FromAddress: "0xaa", ToAddress: ZeroAddress}
	if !mint.IsMint() || mint.IsBurn() {
		t.Fatalf("mint flags wrong: %+v", mint)
	}
	if !burn.IsBurn() || burn.IsMint() {
		t.Fatalf("burn flags wrong: %+v", burn)
	}
}

func TestParseStandard(t *testing.T) {
	cases := map[string]Standard{
		"ERC721":   StandardERC721,
		"erc-1155": StandardERC1155,
		"1155":     StandardERC1155,
		"":         StandardUnknown,
	}
	for input, want := range cases {
		got, ok := ParseStandard(input)
		if !ok || got != want {
			t.Fatalf("ParseStandard(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := ParseStandard("erc20"); ok {
		t.Fatalf("expected erc20 to be rejected")
	}
}
