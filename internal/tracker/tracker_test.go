package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/amount"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/decode"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/rpcclient"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/store"
)

// fakeRPC replays a fixed tape of blocks and logs, keyed by height. It
// never makes a network call, making tracker tests deterministic.
type fakeRPC struct {
	blocks map[uint64]rpcclient.Block
	logs   map[uint64][]decode.Log
	names  map[string]string
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		blocks: map[uint64]rpcclient.Block{},
		logs:   map[uint64][]decode.Log{},
		names:  map[string]string{},
	}
}

func (f *fakeRPC) BlockByNumber(_ context.Context, height uint64) (rpcclient.Block, error) {
	b, ok := f.blocks[height]
	if !ok {
		return rpcclient.Block{}, fmt.Errorf("fakeRPC: no block at height %d", height)
	}
	return b, nil
}

func (f *fakeRPC) GetLogs(_ context.Context, from, to uint64) ([]decode.Log, error) {
	var out []decode.Log
	for h := from; h <= to; h++ {
		out = append(out, f.logs[h]...)
	}
	return out, nil
}

func (f *fakeRPC) Name(_ context.Context, contractAddress string) (string, error) {
	name, ok := f.names[contractAddress]
	if !ok {
		return "", fmt.Errorf("fakeRPC: no name registered for %s", contractAddress)
	}
	return name, nil
}

func openStore(t *testing.T, firstBlock uint64) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open("sqlite://"+filepath.Join(dir, "balances.sqlite"), firstBlock)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	return st
}

func word128(n uint64) [32]byte {
	var w [32]byte
	for i := 0; i < 8; i++ {
		w[31-i] = byte(n >> (8 * i))
	}
	return w
}

const wallet1 = "0x1111111111111111111111111111111111111111"
const wallet2 = "0x2222222222222222222222222222222222222222"
const tokenContract = "0x3333333333333333333333333333333333333333"

func TestTracker_MintDecodesAndApplies(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 1)
	rpc := newFakeRPC()
	rpc.names[tokenContract] = "TKN"

	mintAmountWord := word128(100)

	rpc.blocks[1] = rpcclient.Block{Number: 1, Hash: "0xblock1"}
	rpc.logs[1] = []decode.Log{
		{
			Address: decode.Controller,
			Topics: []string{
				decode.BRC20CreatedSignature.Hex(),
				"0x" + repeatHex("ab", 32),
				"0x" + padLeft40(tokenContract),
			},
		},
		{
			Address: tokenContract,
			Topics: []string{
				decode.TransferSignature.Hex(),
				"0x" + padLeft40(decode.ZeroAddress),
				"0x" + padLeft40(wallet1),
			},
			Data:             mintAmountWord[:],
			TransactionIndex: 0,
			LogIndex:         1,
		},
	}

	tr := New(st, rpc)
	if err := tr.store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := tr.store.ClearResidue(ctx); err != nil {
		t.Fatalf("clear_residue: %v", err)
	}
	if err := tr.step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}

	got, found, err := st.GetBalance(ctx, wallet1, "TKN")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !found {
		t.Fatalf("expected minted balance to exist")
	}
	if got.Cmp(amount.FromUint64(100)) != 0 {
		t.Fatalf("got %s, want 100", got.String())
	}

	hash, found, err := st.GetBlockHash(ctx, 1)
	if err != nil {
		t.Fatalf("GetBlockHash: %v", err)
	}
	if !found || hash != "0xblock1" {
		t.Fatalf("expected block 1 sealed with hash 0xblock1, got %q found=%v", hash, found)
	}
}

func TestTracker_ReorgTooDeepIsFatal(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 0)
	rpc := newFakeRPC()

	// Heights 16..25 give checkReorg a full 10-block scan window
	// (25 down to 16) with no height going negative.
	for h := uint64(16); h <= 25; h++ {
		if err := st.SetBlockHash(ctx, int64(h), fmt.Sprintf("0xstale%d", h)); err != nil {
			t.Fatalf("SetBlockHash: %v", err)
		}
		// RPC disagrees with every stored hash in the scan window.
		rpc.blocks[h] = rpcclient.Block{Number: h, Hash: fmt.Sprintf("0xfresh%d", h)}
	}

	tr := New(st, rpc)
	err := tr.checkReorg(ctx)
	if err != ErrReorgTooDeep {
		t.Fatalf("got %v, want ErrReorgTooDeep", err)
	}
}

// A burn of an unrecorded (zero) balance underflows. step must surface
// this as an error isProtocolViolation classifies as fatal, so Run does
// not send it down the usual transient warn-and-retry path.
func TestTracker_Step_ProtocolViolationIsFatal(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 1)
	rpc := newFakeRPC()
	rpc.names[tokenContract] = "TKN"

	burnAmountWord := word128(1)

	rpc.blocks[1] = rpcclient.Block{Number: 1, Hash: "0xblock1"}
	rpc.logs[1] = []decode.Log{
		{
			Address: decode.Controller,
			Topics: []string{
				decode.BRC20CreatedSignature.Hex(),
				"0x" + repeatHex("ab", 32),
				"0x" + padLeft40(tokenContract),
			},
		},
		{
			Address: tokenContract,
			Topics: []string{
				decode.TransferSignature.Hex(),
				"0x" + padLeft40(wallet1),
				"0x" + padLeft40(decode.ZeroAddress),
			},
			Data:             burnAmountWord[:],
			TransactionIndex: 0,
			LogIndex:         1,
		},
	}

	tr := New(st, rpc)
	if err := tr.store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := tr.store.ClearResidue(ctx); err != nil {
		t.Fatalf("clear_residue: %v", err)
	}

	err := tr.step(ctx)
	if err == nil {
		t.Fatalf("expected an error burning an unrecorded balance")
	}
	if !errors.Is(err, amount.ErrInsufficientBalance) {
		t.Fatalf("got %v, want an error wrapping amount.ErrInsufficientBalance", err)
	}
	if !isProtocolViolation(err) {
		t.Fatalf("isProtocolViolation(%v) = false, want true", err)
	}
}

// Run must return a protocol-violation error immediately instead of
// retrying it forever the way a transient RPC failure is retried.
func TestTracker_Run_StopsOnProtocolViolation(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, 1)
	rpc := newFakeRPC()
	rpc.names[tokenContract] = "TKN"

	burnAmountWord := word128(1)

	rpc.blocks[1] = rpcclient.Block{Number: 1, Hash: "0xblock1"}
	rpc.logs[1] = []decode.Log{
		{
			Address: decode.Controller,
			Topics: []string{
				decode.BRC20CreatedSignature.Hex(),
				"0x" + repeatHex("ab", 32),
				"0x" + padLeft40(tokenContract),
			},
		},
		{
			Address: tokenContract,
			Topics: []string{
				decode.TransferSignature.Hex(),
				"0x" + padLeft40(wallet1),
				"0x" + padLeft40(decode.ZeroAddress),
			},
			Data:             burnAmountWord[:],
			TransactionIndex: 0,
			LogIndex:         1,
		},
	}

	tr := New(st, rpc)
	err := tr.Run(ctx)
	if err == nil {
		t.Fatalf("expected Run to return the protocol violation, got nil")
	}
	if !errors.Is(err, amount.ErrInsufficientBalance) {
		t.Fatalf("got %v, want an error wrapping amount.ErrInsufficientBalance", err)
	}
}

func repeatHex(pair string, n int) string {
	out := make([]byte, 0, len(pair)*n)
	for i := 0; i < n; i++ {
		out = append(out, pair...)
	}
	return string(out)
}

func padLeft40(addr string) string {
	const want = 64
	trimmed := addr
	if len(trimmed) >= 2 && trimmed[:2] == "0x" {
		trimmed = trimmed[2:]
	}
	if len(trimmed) >= want {
		return trimmed[len(trimmed)-want:]
	}
	pad := make([]byte, want-len(trimmed))
	for i := range pad {
		pad[i] = '0'
	}
	return string(pad) + trimmed
}
