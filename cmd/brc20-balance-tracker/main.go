// BRC20 program balance tracker.
//
// Usage:
//
//	brc20-balance-tracker            Run the indexer
//	brc20-balance-tracker --reset    Wipe and reinitialize the store, then exit
//	brc20-balance-tracker --test     Run the auditor to completion, then index
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/auditor"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/config"
	blog "github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/log"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/rpcclient"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/store"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/tracker"
)

func main() {
	// ── 1. Parse flags and load config from the environment ─────────────
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Load()

	logger := blog.WithComponent("main")

	logger.Info().
		Str("network", cfg.Network).
		Uint64("first_block", cfg.FirstBlock).
		Str("rpc_url", cfg.RPCURL).
		Msg("Starting BRC20 balance tracker")

	// ── 2. Open the store ────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL, cfg.FirstBlock)
	if err != nil {
		logger.Fatal().Err(err).Str("database_url", cfg.DatabaseURL).Msg("Failed to open store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize schema")
	}

	// ── 3. --reset: wipe and exit ─────────────────────────────────────────
	if flags.Reset {
		if err := st.Reset(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to reset store")
		}
		logger.Info().Msg("Store reset complete")
		os.Exit(0)
	}

	// ── 4. Wire the RPC client ────────────────────────────────────────────
	rpc := rpcclient.New(cfg.RPCURL, cfg.RPCUser, cfg.RPCPassword)

	// ── 5. --test: run the auditor to completion before indexing ────────
	if flags.Test {
		runAuditor(ctx, st, rpc)
	}

	// ── 6. Run the indexing loop ──────────────────────────────────────────
	t := tracker.New(st, rpc)
	if err := t.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Tracker terminated")
	}
}

// runAuditor calls Test repeatedly, pausing between attempts on
// NeedsRetry, until the sample passes.
func runAuditor(ctx context.Context, st *store.Store, rpc *rpcclient.Client) {
	logger := blog.WithComponent("main")
	a := auditor.New(st, st, rpc)

	for {
		result, err := a.Test(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Audit failed")
		}
		if result == auditor.Passed {
			logger.Info().Msg("Audit passed")
			return
		}

		logger.Warn().Msg("Audit needs retry, waiting for tracker to catch up")
		timer := time.NewTimer(auditor.BetweenRunsDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Fatal().Err(ctx.Err()).Msg("Interrupted during audit")
		case <-timer.C:
		}
	}
}
