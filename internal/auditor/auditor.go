// Package auditor implements the sampled reconciliation check: drawing a
// random subset of stored balances and cross-checking them against the
// upstream chain's authoritative balanceOf view.
package auditor

import (
	"context"
	"fmt"
	"time"

	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/amount"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/log"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/store"
)

// sampleSize is the number of (wallet, ticker, amount) triples drawn per
// audit pass.
const sampleSize = 1000

// livenessPollInterval is how often the auditor re-checks the tip while
// waiting for the tracker to catch up after a mid-sample mismatch.
const livenessPollInterval = 5 * time.Second

// BetweenRunsDelay is the pause the outer driver should observe between
// a NeedsRetry result and the next call to Test.
const BetweenRunsDelay = 10 * time.Second

// Result is the outcome of one audit pass.
type Result int

const (
	// Passed means every sampled balance matched the chain.
	Passed Result = iota
	// NeedsRetry means a mismatch was observed but the chain tip had
	// advanced since the sample was drawn — the tracker may simply be
	// behind. The caller should wait and call Test again.
	NeedsRetry
)

// RPCSource is the upstream surface the auditor consumes.
type RPCSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceOf(ctx context.Context, contractAddress, wallet string) ([32]byte, error)
}

// TickerResolver resolves a ticker's display name back to the contract
// address balanceOf must be called against. The store keeps the inverse
// mapping (address -> ticker); the auditor needs the forward direction.
type TickerResolver interface {
	ContractAddressForTicker(ctx context.Context, ticker string) (string, bool, error)
}

// Store is the subset of *store.Store the auditor depends on.
type Store interface {
	RandomWalletTickerPairs(ctx context.Context, n int) ([]store.Balance, error)
	GetLastBlock(ctx context.Context) (int64, error)
}

// Auditor runs the sampled consistency check.
type Auditor struct {
	store    Store
	resolver TickerResolver
	rpc      RPCSource
}

// New builds an Auditor wired to the given store, ticker resolver, and
// RPC source.
func New(s Store, resolver TickerResolver, rpc RPCSource) *Auditor {
	return &Auditor{store: s, resolver: resolver, rpc: rpc}
}

// Test draws a random sample and checks it against the chain. A hard
// mismatch (the tip has not advanced since sampling) is returned as an
// error; the caller treats this as fatal.
func (a *Auditor) Test(ctx context.Context) (Result, error) {
	startTip, err := a.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("auditor: eth_blockNumber: %w", err)
	}

	sample, err := a.store.RandomWalletTickerPairs(ctx, sampleSize)
	if err != nil {
		return 0, fmt.Errorf("auditor: random_wallet_ticker_pairs: %w", err)
	}

	for _, b := range sample {
		contractAddress, found, err := a.resolver.ContractAddressForTicker(ctx, b.Ticker)
		if err != nil {
			return 0, fmt.Errorf("auditor: resolving contract for ticker %s: %w", b.Ticker, err)
		}
		if !found {
			continue
		}

		word, err := a.rpc.BalanceOf(ctx, contractAddress, b.Wallet)
		if err != nil {
			return 0, fmt.Errorf("auditor: balance_of(%s,%s): %w", contractAddress, b.Wallet, err)
		}
		onChain, err := amount.FromWord256(word)
		if err != nil {
			return 0, fmt.Errorf("auditor: decoding on-chain balance for (%s,%s): %w", b.Wallet, b.Ticker, err)
		}

		if onChain.Cmp(b.Amount) == 0 {
			continue
		}

		log.Auditor.Warn().
			Str("wallet", b.Wallet).Str("ticker", b.Ticker).
			Str("stored", b.Amount.String()).Str("on_chain", onChain.String()).
			Msg("audit mismatch")

		currentTip, err := a.rpc.BlockNumber(ctx)
		if err != nil {
			return 0, fmt.Errorf("auditor: eth_blockNumber: %w", err)
		}
		if currentTip == startTip {
			return 0, fmt.Errorf("auditor: hard mismatch for (%s,%s): stored=%s on_chain=%s",
				b.Wallet, b.Ticker, b.Amount.String(), onChain.String())
		}

		if err := a.waitForCatchUp(ctx); err != nil {
			return 0, err
		}
		return NeedsRetry, nil
	}

	return Passed, nil
}

// waitForCatchUp polls the chain tip against the store's last indexed
// block until the tracker has caught up, so a retried Test samples
// against state the tracker has actually applied.
func (a *Auditor) waitForCatchUp(ctx context.Context) error {
	for {
		tip, err := a.rpc.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("auditor: eth_blockNumber: %w", err)
		}
		lastIndexed, err := a.store.GetLastBlock(ctx)
		if err != nil {
			return fmt.Errorf("auditor: get_last_block: %w", err)
		}
		if int64(tip) == lastIndexed {
			return nil
		}

		timer := time.NewTimer(livenessPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
