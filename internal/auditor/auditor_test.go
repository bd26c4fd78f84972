package auditor

import (
	"context"
	"fmt"
	"testing"

	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/amount"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/store"
)

type fakeStore struct {
	pairs    []store.Balance
	lastBlk  int64
}

func (f *fakeStore) RandomWalletTickerPairs(_ context.Context, n int) ([]store.Balance, error) {
	if n < len(f.pairs) {
		return f.pairs[:n], nil
	}
	return f.pairs, nil
}

func (f *fakeStore) GetLastBlock(_ context.Context) (int64, error) {
	return f.lastBlk, nil
}

type fakeResolver struct {
	addrByTicker map[string]string
}

func (f *fakeResolver) ContractAddressForTicker(_ context.Context, ticker string) (string, bool, error) {
	addr, ok := f.addrByTicker[ticker]
	return addr, ok, nil
}

type fakeRPC struct {
	tip      uint64
	balances map[string][32]byte
}

func (f *fakeRPC) BlockNumber(_ context.Context) (uint64, error) {
	return f.tip, nil
}

func (f *fakeRPC) BalanceOf(_ context.Context, contractAddress, wallet string) ([32]byte, error) {
	b, ok := f.balances[contractAddress+"|"+wallet]
	if !ok {
		return [32]byte{}, fmt.Errorf("fakeRPC: no balance for %s/%s", contractAddress, wallet)
	}
	return b, nil
}

func wordOf(n uint64) [32]byte {
	var w [32]byte
	for i := 0; i < 8; i++ {
		w[31-i] = byte(n >> (8 * i))
	}
	return w
}

func TestAuditor_Passes(t *testing.T) {
	st := &fakeStore{pairs: []store.Balance{
		{Wallet: "wA", Ticker: "TKN", Amount: amount.FromUint64(100)},
	}}
	resolver := &fakeResolver{addrByTicker: map[string]string{"TKN": "0xaddr"}}
	rpc := &fakeRPC{tip: 10, balances: map[string][32]byte{"0xaddr|wA": wordOf(100)}}

	a := New(st, resolver, rpc)
	result, err := a.Test(context.Background())
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if result != Passed {
		t.Fatalf("got %v, want Passed", result)
	}
}

func TestAuditor_HardMismatch(t *testing.T) {
	st := &fakeStore{pairs: []store.Balance{
		{Wallet: "wA", Ticker: "TKN", Amount: amount.FromUint64(100)},
	}}
	resolver := &fakeResolver{addrByTicker: map[string]string{"TKN": "0xaddr"}}
	rpc := &fakeRPC{tip: 10, balances: map[string][32]byte{"0xaddr|wA": wordOf(999)}}

	a := New(st, resolver, rpc)
	_, err := a.Test(context.Background())
	if err == nil {
		t.Fatalf("expected hard mismatch error, tip did not advance")
	}
}

func TestAuditor_SkipsUnresolvedTicker(t *testing.T) {
	st := &fakeStore{pairs: []store.Balance{
		{Wallet: "wA", Ticker: "UNKNOWN", Amount: amount.FromUint64(5)},
	}}
	resolver := &fakeResolver{addrByTicker: map[string]string{}}
	rpc := &fakeRPC{tip: 1}

	a := New(st, resolver, rpc)
	result, err := a.Test(context.Background())
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if result != Passed {
		t.Fatalf("got %v, want Passed", result)
	}
}
