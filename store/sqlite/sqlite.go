/*
Package sqlite provides a SQLite-backed implementation of dues.Store.

PURPOSE:
  Implements every persistence interface the dues engine consumes on top of
  database/sql and mattn/go-sqlite3. The same SQL runs on PostgreSQL with
  minor dialect changes (upsert syntax, placeholders).

SESSIONS:
  Store wraps *sql.DB; WithTx hands fn a session bound to *sql.Tx. Both
  implement dues.Stores through the same repositories over a dbtx, so code
  inside a transaction never touches the pool.

KEY TABLES:
  periods:                One row per (year, month), UNIQUE
  period_configs:         Time-versioned defaults
  house_period_charges:   Authoritative expected amount per concept
  record_allocations:     Append-only allocation facts (record_id NULL = sweep)
  house_balances:         Running account per house
  house_period_penalties: UNIQUE (house_id, period_id)
  house_status_snapshots: Cached HouseBalanceStatus as JSON
  payment_records:        Confirmed payments matched to houses

ENCODING:
  Amounts are TEXT decimals (shopspring/decimal Scanner/Valuer). Timestamps
  are fixed-width UTC TEXT so lexical comparison is chronological.

CONNECTIONS:
  The pool holds a single connection. SQLite serializes writers anyway, and
  ":memory:" databases exist per connection.

MIGRATION:
  Schema is applied by golang-migrate from embedded SQL on New().

SEE ALSO:
  - dues/store.go: Interface definitions
  - dues/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/dues-engine/dues"
)

// timeLayout is fixed width; do not switch to RFC3339Nano.
const timeLayout = "2006-01-02 15:04:05.000000"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements dues.Store using SQLite.
type Store struct {
	session
	db *sql.DB
}

// New opens the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an open, already migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{session: session{db: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx dues.Stores) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(session{db: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// SESSION - dues.Stores over a dbtx
// =============================================================================

type session struct {
	db dbtx
}

func (s session) Periods() dues.PeriodStore             { return periodRepo(s) }
func (s session) PeriodConfigs() dues.PeriodConfigStore { return configRepo(s) }
func (s session) Charges() dues.HousePeriodChargeStore  { return chargeRepo(s) }
func (s session) Allocations() dues.AllocationStore     { return allocationRepo(s) }
func (s session) Balances() dues.HouseBalanceStore      { return balanceRepo(s) }
func (s session) Penalties() dues.PenaltyStore          { return penaltyRepo(s) }
func (s session) Snapshots() dues.SnapshotStore         { return snapshotRepo(s) }
func (s session) Houses() dues.HouseStore               { return houseRepo(s) }
func (s session) Records() dues.PaymentRecordStore      { return recordRepo(s) }

var (
	_ dues.Store  = (*Store)(nil)
	_ dues.Stores = session{}
)

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// inClause renders "?, ?, ?" and the matching args.
func inClause(ids []int64) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
