// Package tracker implements the reorg-aware indexing loop: a
// single-threaded pull loop that polls the upstream RPC source,
// detects chain reorganizations, decodes logs, and issues balance
// mutations against the store.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/amount"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/decode"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/log"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/rpcclient"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/store"
)

// transientRetryDelay is the fixed sleep on a transient upstream error.
// No exponential backoff, no jitter.
const transientRetryDelay = 5 * time.Second

// reorgRetryDelay is the sleep after a reorg-check error.
const reorgRetryDelay = 10 * time.Second

// maxReorgDepth bounds how many blocks check_reorg will scan back
// looking for a common ancestor before declaring the reorg unrecoverable.
const maxReorgDepth = 10

// ErrReorgTooDeep is fatal: no common ancestor was found within
// maxReorgDepth blocks.
var ErrReorgTooDeep = errors.New("tracker: reorg too deep, cannot recover")

// isProtocolViolation reports whether err is one of the fatal arithmetic
// errors from package amount (overflow, underflow, an out-of-range
// 256-bit word). These are not transient: the same block would fail the
// same way on every retry, so Run returns them instead of retrying.
func isProtocolViolation(err error) bool {
	return errors.Is(err, amount.ErrOverflow) ||
		errors.Is(err, amount.ErrInsufficientBalance) ||
		errors.Is(err, amount.ErrOutOfRange)
}

// RPCSource is the upstream JSON-RPC surface the tracker consumes.
// Implemented by *rpcclient.Client in production and by a deterministic
// in-memory fake in tests.
type RPCSource interface {
	BlockByNumber(ctx context.Context, height uint64) (rpcclient.Block, error)
	GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]decode.Log, error)
	Name(ctx context.Context, contractAddress string) (string, error)
}

// Store is the subset of *store.Store the tracker depends on.
type Store interface {
	Init(ctx context.Context) error
	ClearResidue(ctx context.Context) error
	GetLastBlock(ctx context.Context) (int64, error)
	GetNextBlock(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (string, bool, error)
	SetBlockHash(ctx context.Context, height int64, hash string) error
	Reorg(ctx context.Context, fromHeight int64) error
	GetBalance(ctx context.Context, wallet, ticker string) (amount.Amount, bool, error)
	UpdateBalance(ctx context.Context, height int64, wallet, ticker string, amt amount.Amount) error
	AddTicker(ctx context.Context, name, tickerHash, contractAddress string) error
	GetTickerByAddress(ctx context.Context, contractAddress string) (string, bool, error)
}

// Tracker owns the indexing state machine.
type Tracker struct {
	store Store
	rpc   RPCSource
}

// New builds a Tracker wired to the given store and RPC source.
func New(store Store, rpc RPCSource) *Tracker {
	return &Tracker{store: store, rpc: rpc}
}

// Run initializes the store, clears any residue from a prior crash, then
// loops forever: check for a reorg, fetch the next block and its logs,
// apply the decode rules, and seal the block. It returns only on a
// fatal, unrecoverable error — the caller is expected to log it and
// terminate the process.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.store.Init(ctx); err != nil {
		return fmt.Errorf("tracker: init: %w", err)
	}
	if err := t.store.ClearResidue(ctx); err != nil {
		return fmt.Errorf("tracker: clear_residue: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := t.checkReorg(ctx); err != nil {
			if errors.Is(err, ErrReorgTooDeep) {
				return err
			}
			log.Tracker.Warn().Err(err).Msg("reorg check failed, retrying")
			sleep(ctx, reorgRetryDelay)
			continue
		}

		if err := t.step(ctx); err != nil {
			if isProtocolViolation(err) || errors.Is(err, store.ErrTickerConflict) {
				return err
			}
			log.Tracker.Warn().Err(err).Msg("index step failed, retrying")
			// Undo any writes the failed attempt committed for this block
			// so the retry does not apply them a second time.
			if err := t.store.ClearResidue(ctx); err != nil {
				return fmt.Errorf("tracker: clear_residue: %w", err)
			}
			sleep(ctx, transientRetryDelay)
			continue
		}
	}
}

// checkReorg scans back from the last sealed block looking for a height
// whose on-chain hash still matches what is stored. A match at depth 0
// means no reorg; a match at depth i>0 rolls the store back to that
// common ancestor. A height with no stored hash lies below the first
// indexed block and counts as a match. No match within maxReorgDepth
// blocks is unrecoverable.
func (t *Tracker) checkReorg(ctx context.Context) error {
	last, err := t.store.GetLastBlock(ctx)
	if err != nil {
		return fmt.Errorf("get_last_block: %w", err)
	}

	for i := 0; i < maxReorgDepth; i++ {
		height := last - int64(i)
		if height < 0 {
			return nil
		}

		storedHash, found, err := t.store.GetBlockHash(ctx, height)
		if err != nil {
			return fmt.Errorf("get_block_hash(%d): %w", height, err)
		}
		if found {
			block, err := t.rpc.BlockByNumber(ctx, uint64(height))
			if err != nil {
				return fmt.Errorf("block_by_number(%d): %w", height, err)
			}
			if block.Hash != storedHash {
				continue
			}
		}

		if i == 0 {
			return nil
		}
		log.Tracker.Warn().Int64("common_ancestor", height).Int("depth", i).Msg("reorg detected, rolling back")
		if err := t.store.Reorg(ctx, height); err != nil {
			return fmt.Errorf("reorg(%d): %w", height, err)
		}
		return nil
	}

	return ErrReorgTooDeep
}

// step advances the index by exactly one block.
func (t *Tracker) step(ctx context.Context) error {
	height, err := t.store.GetNextBlock(ctx)
	if err != nil {
		return fmt.Errorf("get_next_block: %w", err)
	}

	block, err := t.rpc.BlockByNumber(ctx, uint64(height))
	if err != nil {
		return fmt.Errorf("block_by_number(%d): %w", height, err)
	}

	if uint64(height) > block.Number {
		// Chain has not advanced to this height yet. Skipping the logs
		// fetch is strictly less wasteful than attempting it anyway;
		// the next loop iteration will re-check.
		return nil
	}

	logs, err := t.rpc.GetLogs(ctx, uint64(height), uint64(height))
	if err != nil {
		return fmt.Errorf("get_logs(%d): %w", height, err)
	}

	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].TransactionIndex != logs[j].TransactionIndex {
			return logs[i].TransactionIndex < logs[j].TransactionIndex
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})

	for _, l := range logs {
		if err := t.applyLog(ctx, height, l); err != nil {
			return fmt.Errorf("applying log at block %d: %w", height, err)
		}
	}

	if err := t.store.SetBlockHash(ctx, height, block.Hash); err != nil {
		return fmt.Errorf("set_block_hash(%d): %w", height, err)
	}
	return nil
}

// applyLog dispatches a single decoded log to the ticker-registration or
// balance-mutation path. Protocol violations (overflow, underflow) are
// returned as-is and are fatal to the caller — they are not retried.
func (t *Tracker) applyLog(ctx context.Context, height int64, l decode.Log) error {
	decoded := decode.Decode(l)
	switch decoded.Kind {
	case decode.KindTickerCreated:
		return t.applyTickerCreated(ctx, decoded.TickerCreated)
	case decode.KindTransfer:
		return t.applyTransfer(ctx, height, decoded.Transfer)
	default:
		return nil
	}
}

func (t *Tracker) applyTickerCreated(ctx context.Context, created decode.TickerCreated) error {
	name, err := t.rpc.Name(ctx, created.ContractAddress)
	if err != nil {
		return fmt.Errorf("name(%s): %w", created.ContractAddress, err)
	}
	if err := t.store.AddTicker(ctx, name, created.TickerHash, created.ContractAddress); err != nil {
		return fmt.Errorf("add_ticker(%s): %w", name, err)
	}
	return nil
}

func (t *Tracker) applyTransfer(ctx context.Context, height int64, tr decode.Transfer) error {
	ticker, found, err := t.store.GetTickerByAddress(ctx, tr.ContractAddress)
	if err != nil {
		return fmt.Errorf("get_ticker_by_address(%s): %w", tr.ContractAddress, err)
	}
	if !found {
		// Log emitted by a contract unrelated to this protocol.
		return nil
	}

	amt, err := amount.FromWord256(tr.Data)
	if err != nil {
		return fmt.Errorf("decoding transfer amount: %w", err)
	}
	if amt.IsZero() {
		return nil
	}

	switch {
	case tr.From == decode.ZeroAddress:
		return t.mint(ctx, height, tr.To, ticker, amt)
	case tr.To == decode.ZeroAddress:
		return t.burn(ctx, height, tr.From, ticker, amt)
	default:
		if err := t.burn(ctx, height, tr.From, ticker, amt); err != nil {
			return err
		}
		return t.mint(ctx, height, tr.To, ticker, amt)
	}
}

func (t *Tracker) mint(ctx context.Context, height int64, wallet, ticker string, amt amount.Amount) error {
	current, _, err := t.store.GetBalance(ctx, wallet, ticker)
	if err != nil {
		return fmt.Errorf("get_balance(%s,%s): %w", wallet, ticker, err)
	}
	next, err := current.Add(amt)
	if err != nil {
		return fmt.Errorf("mint %s %s: %w", amt.String(), ticker, err)
	}
	if err := t.store.UpdateBalance(ctx, height, wallet, ticker, next); err != nil {
		return fmt.Errorf("update_balance(%s,%s): %w", wallet, ticker, err)
	}
	return nil
}

func (t *Tracker) burn(ctx context.Context, height int64, wallet, ticker string, amt amount.Amount) error {
	current, _, err := t.store.GetBalance(ctx, wallet, ticker)
	if err != nil {
		return fmt.Errorf("get_balance(%s,%s): %w", wallet, ticker, err)
	}
	next, err := current.Sub(amt)
	if err != nil {
		return fmt.Errorf("burn %s %s: %w", amt.String(), ticker, err)
	}
	if err := t.store.UpdateBalance(ctx, height, wallet, ticker, next); err != nil {
		return fmt.Errorf("update_balance(%s,%s): %w", wallet, ticker, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
