// Package store implements the durable, transactional balance ledger: a
// dual-table design (current + historical) over a relational engine that
// makes reorg rollback a "delete above height, restore from history"
// operation. Every method that touches the database propagates I/O
// errors to the caller rather than swallowing them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/amount"
	"github.com/bestinslot-xyz/brc20-prog-balance-tracker/internal/log"
)

// ErrTickerConflict is returned by AddTicker when the ticker_hash or
// contract_address is already claimed by a different ticker identity.
var ErrTickerConflict = errors.New("store: ticker_hash or contract_address claimed by a different ticker")

// Balance is a single (wallet, ticker, amount) sample, the unit
// random_wallet_ticker_pairs draws for the auditor.
type Balance struct {
	Wallet string
	Ticker string
	Amount amount.Amount
}

// Ticker is a registered token identity.
type Ticker struct {
	Name            string `db:"name"`
	TickerHash      string `db:"ticker_hash"`
	ContractAddress string `db:"contract_address"`
}

// Store is the SQL-backed balance ledger.
type Store struct {
	db         *sqlx.DB
	firstBlock int64
}

// Open connects to the relational engine identified by databaseURL
// (e.g. "sqlite://balances.sqlite") and returns a Store bound to the
// given network's first indexed block.
func Open(databaseURL string, firstBlock uint64) (*Store, error) {
	driver, dsn, err := parseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to %s: %w", databaseURL, err)
	}

	// Single logical writer — one connection keeps SQLite's file
	// locking simple and avoids cross-connection write contention.
	db.SetMaxOpenConns(1)

	return &Store{db: db, firstBlock: int64(firstBlock)}, nil
}

func parseDatabaseURL(databaseURL string) (driver, dsn string, err error) {
	const sqlitePrefix = "sqlite://"
	if strings.HasPrefix(databaseURL, sqlitePrefix) {
		return "sqlite", strings.TrimPrefix(databaseURL, sqlitePrefix), nil
	}
	return "", "", fmt.Errorf("store: unsupported DATABASE_URL scheme in %q", databaseURL)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// FirstBlock returns the network's configured genesis height.
func (s *Store) FirstBlock() int64 {
	return s.firstBlock
}

// Init applies the creation DDL if absent. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, initSQL); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Reset drops all indexed data, retaining the schema. Irreversible;
// intended for operator use only (the --reset flag).
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, resetSQL); err != nil {
		return fmt.Errorf("store: reset: %w", err)
	}
	return nil
}

// GetBalance returns the latest amount for (wallet, ticker), or
// (Amount{}, false, nil) if the pair has never been recorded.
func (s *Store) GetBalance(ctx context.Context, wallet, ticker string) (amount.Amount, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT amount FROM current_balances WHERE wallet = ? AND ticker = ?`, wallet, ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return amount.Amount{}, false, nil
	}
	if err != nil {
		return amount.Amount{}, false, fmt.Errorf("store: get_balance(%s,%s): %w", wallet, ticker, err)
	}
	a, err := amount.FromDecimalString(raw)
	if err != nil {
		return amount.Amount{}, false, fmt.Errorf("store: corrupt balance for (%s,%s): %w", wallet, ticker, err)
	}
	return a, true, nil
}

// UpdateBalance atomically upserts current_balances and appends a
// historical_balances row in one transaction. Concurrent callers are
// forbidden — the tracker is single-threaded by construction.
func (s *Store) UpdateBalance(ctx context.Context, height int64, wallet, ticker string, amt amount.Amount) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: update_balance begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO current_balances (wallet, ticker, amount, block_height)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (wallet, ticker) DO UPDATE SET amount = excluded.amount, block_height = excluded.block_height
	`, wallet, ticker, amt.String(), height)
	if err != nil {
		return fmt.Errorf("store: update_balance upsert current: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO historical_balances (block_height, wallet, ticker, amount)
		VALUES (?, ?, ?, ?)
	`, height, wallet, ticker, amt.String())
	if err != nil {
		return fmt.Errorf("store: update_balance insert historical: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: update_balance commit: %w", err)
	}
	return nil
}

// AddTicker registers a new ticker identity. An exact repeat of an
// existing (ticker, ticker_hash, contract_address) triple is tolerated
// as a harmless duplicate event; a ticker_hash or contract_address
// claimed by a *different* identity is ErrTickerConflict.
func (s *Store) AddTicker(ctx context.Context, name, tickerHash, contractAddress string) error {
	existing, found, err := s.getTickerByHash(ctx, tickerHash)
	if err != nil {
		return err
	}
	if found {
		if existing.Name == name && existing.ContractAddress == contractAddress {
			log.Store.Debug().Str("ticker_hash", tickerHash).Msg("duplicate BRC20Created event, ignoring")
			return nil
		}
		return fmt.Errorf("%w: ticker_hash=%s", ErrTickerConflict, tickerHash)
	}

	if _, found, err := s.GetTickerByAddress(ctx, contractAddress); err != nil {
		return err
	} else if found {
		return fmt.Errorf("%w: contract_address=%s", ErrTickerConflict, contractAddress)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tickers (ticker, ticker_hash, contract_address) VALUES (?, ?, ?)
	`, name, tickerHash, contractAddress)
	if err != nil {
		return fmt.Errorf("store: add_ticker(%s): %w", name, err)
	}
	return nil
}

func (s *Store) getTickerByHash(ctx context.Context, tickerHash string) (Ticker, bool, error) {
	var t Ticker
	err := s.db.GetContext(ctx, &t, `
		SELECT ticker AS name, ticker_hash, contract_address
		FROM tickers WHERE ticker_hash = ?
	`, tickerHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticker{}, false, nil
	}
	if err != nil {
		return Ticker{}, false, fmt.Errorf("store: lookup ticker by hash %s: %w", tickerHash, err)
	}
	return t, true, nil
}

// GetTickerByAddress resolves the display-name ticker registered for a
// sub-contract address, or (_, false, nil) if none is registered.
func (s *Store) GetTickerByAddress(ctx context.Context, contractAddress string) (string, bool, error) {
	var ticker string
	err := s.db.GetContext(ctx, &ticker,
		`SELECT ticker FROM tickers WHERE contract_address = ?`, contractAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get_ticker_by_address(%s): %w", contractAddress, err)
	}
	return ticker, true, nil
}

// ContractAddressForTicker resolves a ticker's display name back to the
// sub-contract address that emits its Transfer events — the inverse of
// GetTickerByAddress, needed by the auditor to call balanceOf.
func (s *Store) ContractAddressForTicker(ctx context.Context, ticker string) (string, bool, error) {
	var contractAddress string
	err := s.db.GetContext(ctx, &contractAddress,
		`SELECT contract_address FROM tickers WHERE ticker = ?`, ticker)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: contract_address_for_ticker(%s): %w", ticker, err)
	}
	return contractAddress, true, nil
}

// GetLastBlock returns the maximum block_height in block_hashes, or
// first_block-1 if no block has been sealed yet.
func (s *Store) GetLastBlock(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.GetContext(ctx, &max, `SELECT MAX(block_height) FROM block_hashes`)
	if err != nil {
		return 0, fmt.Errorf("store: get_last_block: %w", err)
	}
	if !max.Valid {
		return s.firstBlock - 1, nil
	}
	return max.Int64, nil
}

// GetNextBlock returns GetLastBlock()+1, the height the tracker should
// fetch and apply next.
func (s *Store) GetNextBlock(ctx context.Context) (int64, error) {
	last, err := s.GetLastBlock(ctx)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// GetBlockHash returns the stored hash for a height, or (_, false, nil)
// if nothing has been recorded there.
func (s *Store) GetBlockHash(ctx context.Context, height int64) (string, bool, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash,
		`SELECT block_hash FROM block_hashes WHERE block_height = ?`, height)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get_block_hash(%d): %w", height, err)
	}
	return hash, true, nil
}

// SetBlockHash seals a block: the commit point after which GetNextBlock
// advances past it.
func (s *Store) SetBlockHash(ctx context.Context, height int64, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block_hashes (block_height, block_hash) VALUES (?, ?)
		ON CONFLICT (block_height) DO UPDATE SET block_hash = excluded.block_hash
	`, height, hash)
	if err != nil {
		return fmt.Errorf("store: set_block_hash(%d): %w", height, err)
	}
	return nil
}

// ValidateBlockHash reports whether h is pre-genesis (vacuously valid)
// or its stored hash matches the given hash.
func (s *Store) ValidateBlockHash(ctx context.Context, height int64, hash string) (bool, error) {
	if height < s.firstBlock {
		return true, nil
	}
	stored, found, err := s.GetBlockHash(ctx, height)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return stored == hash, nil
}

// Reorg rolls back all state above fromHeight in a single transaction:
// delete block hashes and historical rows above the target, delete
// current_balances rows above the target, then reinstate each deleted
// (wallet, ticker) pair from the highest surviving historical row.
func (s *Store) Reorg(ctx context.Context, fromHeight int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: reorg begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM block_hashes WHERE block_height > ?`, fromHeight); err != nil {
		return fmt.Errorf("store: reorg delete block_hashes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM historical_balances WHERE block_height > ?`, fromHeight); err != nil {
		return fmt.Errorf("store: reorg delete historical_balances: %w", err)
	}

	type pair struct {
		Wallet string `db:"wallet"`
		Ticker string `db:"ticker"`
	}
	var deleted []pair
	rows, err := tx.QueryxContext(ctx,
		`SELECT wallet, ticker FROM current_balances WHERE block_height > ?`, fromHeight)
	if err != nil {
		return fmt.Errorf("store: reorg select deleted current_balances: %w", err)
	}
	for rows.Next() {
		var p pair
		if err := rows.StructScan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("store: reorg scan deleted pair: %w", err)
		}
		deleted = append(deleted, p)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM current_balances WHERE block_height > ?`, fromHeight); err != nil {
		return fmt.Errorf("store: reorg delete current_balances: %w", err)
	}

	for _, p := range deleted {
		var surviving struct {
			BlockHeight int64  `db:"block_height"`
			Amount      string `db:"amount"`
		}
		err := tx.QueryRowxContext(ctx, `
			SELECT block_height, amount FROM historical_balances
			WHERE wallet = ? AND ticker = ?
			ORDER BY block_height DESC LIMIT 1
		`, p.Wallet, p.Ticker).StructScan(&surviving)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store: reorg lookup surviving history for (%s,%s): %w", p.Wallet, p.Ticker, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO current_balances (wallet, ticker, amount, block_height) VALUES (?, ?, ?, ?)
		`, p.Wallet, p.Ticker, surviving.Amount, surviving.BlockHeight)
		if err != nil {
			return fmt.Errorf("store: reorg reinstate (%s,%s): %w", p.Wallet, p.Ticker, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: reorg commit: %w", err)
	}
	return nil
}

// ClearResidue undoes any partially applied block left behind by a
// crash mid-block: equivalent to Reorg(GetLastBlock()).
func (s *Store) ClearResidue(ctx context.Context) error {
	last, err := s.GetLastBlock(ctx)
	if err != nil {
		return err
	}
	return s.Reorg(ctx, last)
}

// RandomWalletTickerPairs draws a uniform sample of at most n rows from
// current_balances, the population the auditor checks against the chain.
func (s *Store) RandomWalletTickerPairs(ctx context.Context, n int) ([]Balance, error) {
	type row struct {
		Wallet string `db:"wallet"`
		Ticker string `db:"ticker"`
		Amount string `db:"amount"`
	}
	var all []row
	if err := s.db.SelectContext(ctx, &all, `SELECT wallet, ticker, amount FROM current_balances`); err != nil {
		return nil, fmt.Errorf("store: random_wallet_ticker_pairs: %w", err)
	}

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > n {
		all = all[:n]
	}

	balances := make([]Balance, 0, len(all))
	for _, r := range all {
		a, err := amount.FromDecimalString(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("store: corrupt sampled balance for (%s,%s): %w", r.Wallet, r.Ticker, err)
		}
		balances = append(balances, Balance{Wallet: r.Wallet, Ticker: r.Ticker, Amount: a})
	}
	return balances, nil
}
