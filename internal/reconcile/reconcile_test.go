package reconcile

import (
	"context"
	"reflect"
	"testing"

	"tokenledger/internal/model"
	"tokenledger/internal/storage"
	"tokenledger/internal/storage/memory"
)

const (
	contract = "0xabcdef0000000000000000000000000000000001"
	holderA  = "0x00000000000000000000000000000000000000aa"
	holderB  = "0x00000000000000000000000000000000000000bb"
)

func transfer(tx string, logIndex uint64, block uint64, from, to, tokenID, amount string) model.Event {
	return model.Event{
		ContractAddress: contract,
		TransactionHash: tx,
		LogIndex:        logIndex,
		BlockNumber:     block,
		EventType:       model.EventTypeTransfer,
		Kind:            model.KindTransferSingle,
		Standard:        model.StandardERC1155,
		FromAddress:     from,
		ToAddress:       to,
		TokenID:         tokenID,
		Amount:          amount,
		Operator:        from,
	}
}

func mintThenTransfer() []model.Event {
	return []model.Event{
		transfer("0x01", 0, 10, model.ZeroAddress, holderA, "1", "100"),
		transfer("0x02", 0, 20, holderA, holderB, "1", "40"),
	}
}

func sliceSource(events []model.Event) storage.EventSource {
	return func(fn func(model.Event) error) error {
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestReplayMintThenTransfer(t *testing.T) {
	result, err := Replay(contract, sliceSource(mintThenTransfer()))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	want := []model.Balance{
		{ContractAddress: contract, HolderAddress: holderA, TokenID: "1", Balance: "60", LastUpdatedBlock: 20},
		{ContractAddress: contract, HolderAddress: holderB, TokenID: "1", Balance: "40", LastUpdatedBlock: 20},
	}
	if !reflect.DeepEqual(result.Balances, want) {
		t.Fatalf("balances = %+v, want %+v", result.Balances, want)
	}

	summary := Summarize(contract, result.Balances)
	if summary.TotalSupply != "100" || summary.Holders != 2 || summary.UniqueTokens != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestReplayDropsNonPositive(t *testing.T) {
	events := []model.Event{
		transfer("0x01", 0, 10, model.ZeroAddress, holderA, "7", "1"),
		transfer("0x02", 0, 11, holderA, holderB, "7", "1"),
		// holderA never received token 9: an ingestion gap.
		transfer("0x03", 0, 12, holderA, holderB, "9", "1"),
	}
	result, err := Replay(contract, sliceSource(events))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	for _, b := range result.Balances {
		if b.HolderAddress == holderA {
			t.Fatalf("holder A should have no positive balance, got %+v", b)
		}
	}
	if len(result.Balances) != 2 {
		t.Fatalf("expected 2 balances for holder B, got %+v", result.Balances)
	}
	wantNeg := []Negative{{Holder: holderA, TokenID: "9", Balance: "-1"}}
	if !reflect.DeepEqual(result.Negatives, wantNeg) {
		t.Fatalf("negatives = %+v, want %+v", result.Negatives, wantNeg)
	}
}

func TestReplaySkipsAdjacentRepeats(t *testing.T) {
	events := mintThenTransfer()
	events = []model.Event{events[0], events[0], events[1]}
	result, err := Replay(contract, sliceSource(events))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Repeated != 1 || result.Events != 2 {
		t.Fatalf("unexpected counts: events=%d repeated=%d", result.Events, result.Repeated)
	}
	if got := Summarize(contract, result.Balances).TotalSupply; got != "100" {
		t.Fatalf("total supply = %s, want 100", got)
	}
}

func TestReplayRejectsBadAmount(t *testing.T) {
	events := []model.Event{transfer("0x01", 0, 10, model.ZeroAddress, holderA, "1", "abc")}
	if _, err := Replay(contract, sliceSource(events)); err == nil {
		t.Fatalf("expected error for invalid amount")
	}
}

func TestReplayOrdersNumerically(t *testing.T) {
	events := []model.Event{
		transfer("0x01", 0, 1, model.ZeroAddress, holderB, "10", "1"),
		transfer("0x01", 1, 1, model.ZeroAddress, holderA, "10", "1"),
		transfer("0x01", 2, 1, model.ZeroAddress, holderA, "9", "1"),
	}
	result, err := Replay(contract, sliceSource(events))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	got := make([]string, 0, len(result.Balances))
	for _, b := range result.Balances {
		got = append(got, b.HolderAddress[len(b.HolderAddress)-2:]+":"+b.TokenID)
	}
	want := []string{"aa:9", "aa:10", "bb:10"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestRebuildIsDeterministic(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if _, err := store.InsertEvents(ctx, mintThenTransfer()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	r := NewReconciler(store, nil)

	first, err := r.Rebuild(ctx, contract)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	before := listBalances(t, store)

	second, err := r.Rebuild(ctx, contract)
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	after := listBalances(t, store)

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("summaries differ: %+v vs %+v", first, second)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("balances differ:\n%+v\n%+v", before, after)
	}
	if first.TotalSupply != "100" || first.Holders != 2 {
		t.Fatalf("unexpected summary %+v", first)
	}
}

func TestRebuildUnchangedByDuplicateRemoval(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	events := mintThenTransfer()
	if _, err := store.InsertEvents(ctx, events); err != nil {
		t.Fatalf("insert: %v", err)
	}
	store.ForceInsert(events...)

	r := NewReconciler(store, nil)
	if _, err := r.Rebuild(ctx, contract); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	withDuplicates := listBalances(t, store)

	if _, err := store.RemoveDuplicates(ctx, contract); err != nil {
		t.Fatalf("remove duplicates: %v", err)
	}
	groups, err := store.FindDuplicates(ctx, contract)
	if err != nil {
		t.Fatalf("find duplicates: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no duplicates, got %+v", groups)
	}

	if _, err := r.Rebuild(ctx, contract); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if after := listBalances(t, store); !reflect.DeepEqual(withDuplicates, after) {
		t.Fatalf("balances changed after dedup:\n%+v\n%+v", withDuplicates, after)
	}
}

func TestConservation(t *testing.T) {
	events := append(mintThenTransfer(),
		transfer("0x03", 0, 30, holderB, model.ZeroAddress, "1", "15"),
		transfer("0x04", 0, 31, model.ZeroAddress, holderB, "2", "3"),
	)
	result, err := Replay(contract, sliceSource(events))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	imbalances, err := Conservation(events, result.Balances)
	if err != nil {
		t.Fatalf("conservation: %v", err)
	}
	if len(imbalances) != 0 {
		t.Fatalf("unexpected imbalances %+v", imbalances)
	}

	tampered := append([]model.Balance(nil), result.Balances...)
	tampered[0].Balance = "61"
	imbalances, err = Conservation(events, tampered)
	if err != nil {
		t.Fatalf("conservation: %v", err)
	}
	want := []Imbalance{{TokenID: "1", Issued: "85", Balances: "86"}}
	if !reflect.DeepEqual(imbalances, want) {
		t.Fatalf("imbalances = %+v, want %+v", imbalances, want)
	}
}

func listBalances(t *testing.T, store *memory.Store) []model.Balance {
	t.Helper()
	balances, err := store.ListBalances(context.Background(), storage.BalanceFilter{Contract: contract})
	if err != nil {
		t.Fatalf("list balances: %v", err)
	}
	return balances
}
