// Package sqlite implements the repository interfaces using SQLite as the
// storage backend (modernc.org/sqlite, pure Go, no CGo).
//
// STORAGE FORMATS:
// Money is stored as INTEGER cents and timestamps as INTEGER unix
// milliseconds. Balance arithmetic (balance_cents - ?) and expiry checks
// (expires_at <= ?) then run inside SQL on exact integers. Floating point
// never touches a balance, and decimal.Decimal exists only above this
// package.
//
// CONCURRENCY MODEL:
// Every rule that two requests could race on is enforced by the database,
// not by a read-then-write in Go:
//   - one click per (user, post)     → UNIQUE(user_id, post_id)
//   - balance never below zero       → conditional UPDATE ... WHERE balance_cents >= ?
//   - a withdrawal resolves once     → UPDATE ... WHERE status = 'pending'
//   - a code is consumed once        → UPDATE ... WHERE used = 0
//
// The service layer groups these statements with InTx, so a multi-step
// operation either happens completely or not at all.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/clickpay/internal/apperror"
	"github.com/sakif/clickpay/internal/repository"
)

// dbtx is the subset of *sql.DB and *sql.Tx the queries need.
//
// ONE SET OF METHODS FOR BOTH:
// *sql.DB and *sql.Tx share ExecContext/QueryContext/QueryRowContext.
// Writing every repository method against this interface means the same
// code runs on the pool (single statements) and inside a transaction
// (InTx), with no duplicated "TxCreateUser" variants.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every repository method. DB embeds one bound to the pool;
// InTx builds one bound to a *sql.Tx.
type queries struct {
	q dbtx
}

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	queries
	conn *sql.DB
}

var (
	_ repository.Store   = (*DB)(nil)
	_ repository.Queries = (*queries)(nil)
)

// New opens the database at dbPath (":memory:" for tests) and runs
// migrations.
//
// The pool is capped at one connection. SQLite allows a single writer at a
// time anyway, and with one connection every transaction is serialized by
// database/sql instead of failing with SQLITE_BUSY mid-way. It also keeps an
// in-memory database alive for the lifetime of the pool.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// PRAGMA STATEMENTS:
	// journal_mode=WAL lets readers run while a write is in progress.
	// foreign_keys is off by default in SQLite; the ON DELETE CASCADE
	// clauses below do nothing without it.
	// busy_timeout makes a locked database wait up to 5s before returning
	// SQLITE_BUSY, which mapErr turns into a retryable error.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	db := &DB{queries: queries{q: conn}, conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable. Used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return mapErr(err, "pinging database")
	}
	return nil
}

// InTx runs fn inside a transaction. Any error returned by fn, or a panic,
// rolls the transaction back.
//
// TRANSACTION LIFECYCLE:
//  1. BeginTx takes the pool's only connection
//  2. fn runs every statement on a queries value bound to the *sql.Tx
//  3. nil from fn → Commit; an error or a panic → Rollback
//
// The named return err is what the deferred function inspects. A panic is
// re-raised after the rollback so it still reaches chi's Recoverer.
func (db *DB) InTx(ctx context.Context, fn func(tx repository.Queries) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err, "beginning transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&queries{q: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return mapErr(err, "committing transaction")
	}
	return nil
}

// InTx on a transaction-bound queries value runs fn in the same
// transaction. It lets code written against repository.Store be reused
// from inside an outer transaction.
func (q *queries) InTx(_ context.Context, fn func(tx repository.Queries) error) error {
	return fn(q)
}

// migrate creates the schema. Every statement is idempotent
// (IF NOT EXISTS), so it runs on every start.
//
// There is no migration version table: the schema only grows by new
// tables and indexes. A column change would need a numbered migration
// step first.
func (db *DB) migrate() error {
	for i, stmt := range schema {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		label      TEXT PRIMARY KEY,
		user_count INTEGER NOT NULL DEFAULT 0,
		capacity   INTEGER NOT NULL,
		active     INTEGER NOT NULL DEFAULT 1
	)`,

	// email and permanent_code are UNIQUE; social handles are unique only
	// when set (partial indexes below).
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		email          TEXT NOT NULL UNIQUE,
		full_name      TEXT NOT NULL,
		phone          TEXT NOT NULL DEFAULT '',
		instagram      TEXT NOT NULL DEFAULT '',
		facebook       TEXT NOT NULL DEFAULT '',
		twitter        TEXT NOT NULL DEFAULT '',
		tiktok         TEXT NOT NULL DEFAULT '',
		youtube        TEXT NOT NULL DEFAULT '',
		balance_cents  INTEGER NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
		batch          TEXT NOT NULL DEFAULT '',
		verified       INTEGER NOT NULL DEFAULT 0,
		is_admin       INTEGER NOT NULL DEFAULT 0,
		permanent_code TEXT UNIQUE,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_instagram ON users(instagram) WHERE instagram <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_facebook ON users(facebook) WHERE facebook <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_twitter ON users(twitter) WHERE twitter <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_tiktok ON users(tiktok) WHERE tiktok <> ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_youtube ON users(youtube) WHERE youtube <> ''`,

	`CREATE TABLE IF NOT EXISTS posts (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		link           TEXT NOT NULL,
		type           TEXT NOT NULL,
		reward_cents   INTEGER NOT NULL CHECK (reward_cents > 0),
		target_batches TEXT NOT NULL DEFAULT '[]',
		active         INTEGER NOT NULL DEFAULT 1,
		click_count    INTEGER NOT NULL DEFAULT 0,
		click_limit    INTEGER,
		auto_delete    INTEGER NOT NULL DEFAULT 0,
		message        TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_active ON posts(active, created_at)`,

	// post_id has no ON DELETE CASCADE: a post can only be removed after
	// its clicks were deleted explicitly (RetirePost).
	`CREATE TABLE IF NOT EXISTS clicks (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		post_id      TEXT NOT NULL REFERENCES posts(id),
		reward_cents INTEGER NOT NULL,
		created_at   INTEGER NOT NULL,
		UNIQUE (user_id, post_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_clicks_post_id ON clicks(post_id)`,

	`CREATE TABLE IF NOT EXISTS withdrawals (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		method       TEXT NOT NULL,
		destination  TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		admin_note   TEXT NOT NULL DEFAULT '',
		requested_at INTEGER NOT NULL,
		resolved_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status, requested_at)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_user_id ON withdrawals(user_id)`,

	`CREATE TABLE IF NOT EXISTS verification_codes (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL,
		purpose    TEXT NOT NULL,
		code_hash  TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0,
		attempts   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_codes_email_purpose ON verification_codes(email, purpose)`,
	`CREATE INDEX IF NOT EXISTS idx_codes_expires_at ON verification_codes(expires_at)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		token        TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at   INTEGER NOT NULL,
		remote_addr  TEXT NOT NULL DEFAULT '',
		user_agent   TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
}

// =========================================================================
// VALUE CONVERSIONS
// =========================================================================

// toCents converts a decimal amount into integer cents, rounding half away
// from zero. Amounts that do not fit in an int64 are rejected rather than
// wrapped: IntPart keeps only the low 64 bits, so an unchecked conversion
// would turn an enormous withdrawal into a tiny one.
func toCents(d decimal.Decimal) (int64, error) {
	cents := d.Shift(2).Round(0).BigInt()
	if !cents.IsInt64() {
		return 0, apperror.ValidationFailed("amount",
			fmt.Sprintf("amount %s is out of range", d.String()))
	}
	return cents.Int64(), nil
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

// =========================================================================
// ERROR MAPPING
// =========================================================================
//
// The driver reports failures as *sqlite.Error with an extended result code.
// The low byte is the primary code (SQLITE_BUSY, SQLITE_CONSTRAINT, ...),
// the full value tells constraint kinds apart (SQLITE_CONSTRAINT_UNIQUE).
// Repository methods translate the ones the domain cares about into
// apperror values; everything else is wrapped and passed up as a 500.

func sqliteCode(err error) (int, bool) {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	return ok && (code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

// uniqueColumn extracts "table.column" from a UNIQUE constraint message
// such as "UNIQUE constraint failed: users.email".
func uniqueColumn(err error) string {
	msg := err.Error()
	const marker = "UNIQUE constraint failed: "
	i := strings.Index(msg, marker)
	if i < 0 {
		return ""
	}
	rest := msg[i+len(marker):]
	if j := strings.IndexAny(rest, " ,)"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// mapErr wraps a driver error. Busy/locked conditions become
// apperror.Transient so the client is told to retry later.
func mapErr(err error, op string) error {
	if code, ok := sqliteCode(err); ok {
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperror.Transient(fmt.Errorf("sqlite: %s: %w", op, err))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.Transient(fmt.Errorf("sqlite: %s: %w", op, err))
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}

// rowsAffected returns the number of rows changed by an Exec.
func rowsAffected(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: %s: checking rows affected: %w", op, err)
	}
	return n, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func normalizeLimit(opts repository.ListOptions) (limit, offset int) {
	limit = opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset = opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
