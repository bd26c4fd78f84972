// Package config handles application configuration.
//
// The tracker is a single long-lived process with no config file and no
// peer/wallet surface, so configuration is sourced entirely from the
// environment plus two boolean command-line flags.
package config

import (
	"flag"
	"fmt"
	"os"
)

// Config holds the runtime configuration for the balance tracker.
type Config struct {
	DatabaseURL string
	RPCURL      string
	RPCUser     string
	RPCPassword string
	Network     string

	// FirstBlock is derived from Network: the height at which this
	// protocol's controller contract was deployed on that network.
	FirstBlock uint64
}

// Flags holds the parsed command-line switches.
type Flags struct {
	Reset bool
	Test  bool
}

const (
	defaultDatabaseURL = "sqlite://balances.sqlite"
	defaultRPCURL      = "http://localhost:18545"
	defaultRPCUser     = "user"
	defaultRPCPassword = "password"
	defaultNetwork     = "mainnet"
)

// firstBlockFor maps a network name to the block height the controller
// contract was deployed at. Unrecognized networks start indexing from
// genesis (0).
func firstBlockFor(network string) uint64 {
	switch network {
	case "mainnet":
		return 912690
	case "signet":
		return 230000
	default:
		return 0
	}
}

// Load reads configuration from the environment, applying the documented
// defaults for any variable that is unset or empty.
func Load() *Config {
	network := getEnvOr("NETWORK", defaultNetwork)
	return &Config{
		DatabaseURL: getEnvOr("DATABASE_URL", defaultDatabaseURL),
		RPCURL:      getEnvOr("RPC_URL", defaultRPCURL),
		RPCUser:     getEnvOr("RPC_USER", defaultRPCUser),
		RPCPassword: getEnvOr("RPC_PASSWORD", defaultRPCPassword),
		Network:     network,
		FirstBlock:  firstBlockFor(network),
	}
}

func getEnvOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// ParseFlags parses the two boolean command-line switches the tracker
// understands. Unlike the full node's flag set, there is nothing here
// that needs isFlagSet-style "was this explicitly set" detection — both
// flags are plain booleans with an unambiguous false default.
func ParseFlags(args []string) (*Flags, error) {
	fs := flag.NewFlagSet("brc20-balance-tracker", flag.ContinueOnError)
	f := &Flags{}
	fs.BoolVar(&f.Reset, "reset", false, "wipe and reinitialize the store, then exit")
	fs.BoolVar(&f.Test, "test", false, "run the auditor to completion before entering the index loop")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	return f, nil
}
