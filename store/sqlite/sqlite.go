/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  One database file holds the ledger, the rule collections and the
  calendars. The same schema ports to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  generic.LedgerStore:     accounts, balances, transactions, audit log
  eligibility.Store:       overrides
  rates.Store:             rate rules
  generic.HolidayCalendar: holidays
  generic.EventCalendar:   special events

APPEND-MOSTLY ENFORCEMENT:
  - No DELETE statements on transactions or audit_log
  - UPDATE on transactions touches only reversal and correction columns and
    the recomputed previous/new balances
  - balances rows are guarded by a version column (compare-and-swap)

KEY TABLES:
  accounts:        one row per user
  balances:        cached balance per (user, meal), freeze and quarantine flags
  transactions:    the chain; seq is the creation order
  audit_log:       maintenance actions
  overrides:       eligibility overrides; priority is not a column
  rate_rules:      rate rules; position is the admin list order
  holidays:        one row per date
  special_events:  (date, name) pairs

INDEXES:
  - idx_transactions_chain:       chain reads and head lookups (hot path)
  - idx_transactions_idempotency: unique, NULL when no key was given
  - idx_overrides_window:         candidate lookup by date bounds
  - idx_rate_rules_position:      unique list order

CONCURRENCY:
  A single connection serves the pool so ":memory:" databases are shared and
  SQLite sees one writer. sync.RWMutex serializes WithTx against reads.

USAGE:
  store, err := sqlite.New("./data/meals.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := generic.NewLedger(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Ledger interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		balance_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		is_frozen BOOLEAN NOT NULL DEFAULT FALSE,
		frozen_at TEXT,
		frozen_by TEXT NOT NULL DEFAULT '',
		frozen_reason TEXT NOT NULL DEFAULT '',
		quarantined BOOLEAN NOT NULL DEFAULT FALSE,
		quarantine_reason TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, balance_type)
	);

	-- Chain entries. seq is the creation order.
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		balance_type TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		previous_balance TEXT NOT NULL,
		new_balance TEXT NOT NULL,
		performed_by TEXT NOT NULL DEFAULT '',
		reference TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at TEXT NOT NULL,
		original_transaction TEXT NOT NULL DEFAULT '',
		is_reversed BOOLEAN NOT NULL DEFAULT FALSE,
		reversal_id TEXT NOT NULL DEFAULT '',
		reversed_at TEXT,
		is_corrected BOOLEAN NOT NULL DEFAULT FALSE,
		corrected_by TEXT NOT NULL DEFAULT '',
		corrected_at TEXT,
		correction_reason TEXT NOT NULL DEFAULT '',
		original_amount TEXT,
		original_description TEXT,
		FOREIGN KEY (user_id, balance_type) REFERENCES balances(user_id, balance_type)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_chain
		ON transactions(user_id, balance_type, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference) WHERE reference != '';

	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		balance_type TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user
		ON audit_log(user_id, balance_type);
	CREATE INDEX IF NOT EXISTS idx_audit_transaction
		ON audit_log(transaction_id) WHERE transaction_id != '';

	-- Overrides. Priority is derived from author_role and never stored.
	CREATE TABLE IF NOT EXISTS overrides (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		target_user TEXT NOT NULL DEFAULT '',
		date_spec_json TEXT NOT NULL,
		date_from TEXT,
		date_to TEXT,
		meal_type TEXT NOT NULL,
		action TEXT NOT NULL,
		author_id TEXT NOT NULL,
		author_role TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		expiry TEXT,
		revoked_at TEXT,
		revoked_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_window
		ON overrides(active, date_from, date_to);
	CREATE INDEX IF NOT EXISTS idx_overrides_target
		ON overrides(target_user) WHERE target_user != '';

	CREATE TABLE IF NOT EXISTS rate_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		condition_type TEXT NOT NULL,
		condition_params TEXT NOT NULL,
		adjustment_type TEXT NOT NULL,
		adjustment_value TEXT NOT NULL,
		applies_to TEXT NOT NULL,
		valid_from TEXT,
		valid_until TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_rate_rules_position
		ON rate_rules(position);

	CREATE TABLE IF NOT EXISTS holidays (
		date TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS special_events (
		date TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (date, name)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.LedgerWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txView{q: sqlTx}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// withSQLTx is WithTx for the rule tables, which need no ledger view.
func (s *Store) withSQLTx(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullDate(tp *generic.TimePoint) sql.NullString {
	if tp == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: tp.String(), Valid: true}
}

func parseNullDate(ns sql.NullString) (*generic.TimePoint, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := generic.ParseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return d, nil
}

// isUniqueConstraintError reports a UNIQUE or PRIMARY KEY violation. When
// column is non-empty the violation must name it.
func isUniqueConstraintError(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	if sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique && sqliteErr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return false
	}
	return column == "" || strings.Contains(sqliteErr.Error(), column)
}
