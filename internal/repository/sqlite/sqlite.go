// Package sqlite implements the repository interfaces using SQLite as
// the storage backend.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which needs a C compiler and makes
// cross-compilation painful. modernc.org/sqlite is a pure Go
// translation of the SQLite sources and works everywhere Go works.
//
// LOCKING MODEL:
// SQLite has no per-row SELECT ... FOR UPDATE; a write transaction
// takes a database-wide writer lock instead. The recompute transaction
// opens with an UPDATE on the target calculation row, which promotes it
// to a writer immediately: any concurrent recompute (same calculation
// or not) waits on the writer lock until commit. That is a strict
// over-approximation of the per-row exclusivity the totals need:
// nothing can interleave with an in-flight recompute. Contention
// surfaces as SQLITE_BUSY after busy_timeout and is translated to
// apperror.ErrConflict so the service layer can retry.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "modernc.org/sqlite"
)

// SQLite primary result codes we care about. modernc exposes them via
// sqlite.Error.Code() but does not name them.
const (
	codeBusy       = 5 // SQLITE_BUSY: another connection holds the writer lock
	codeLocked     = 6 // SQLITE_LOCKED: table locked within this connection
	codeConstraint = 19
)

// DB wraps a sql.DB connection pool and implements every repository
// interface. One struct for all of them keeps cross-entity transactions
// (recompute, freeze) on a single connection pool.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath (":memory:" for tests) and runs
// migrations. The pragmas ride in the DSN: sql.DB is a pool, and a
// PRAGMA run through Exec configures only whichever connection happens
// to execute it, leaving the rest with foreign_keys off and no busy
// timeout.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Each pooled connection to ":memory:" would get its own empty
	// database. One connection keeps tests on a single store.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn appends the pragmas every connection needs. modernc applies
// _pragma parameters when each pooled connection opens:
//   - WAL lets readers proceed while a recompute holds the writer lock
//   - foreign_keys drives the schema's cascades (calculation → lines,
//     item → lines, snapshot → lines), OFF by default in SQLite
//   - busy_timeout makes a blocked writer wait up to 5s before
//     SQLITE_BUSY surfaces as a retryable Conflict
func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep +
		"_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	// Money and percentage columns are TEXT holding canonical decimal
	// strings. decimal.Decimal implements Scanner/Valuer, and TEXT
	// avoids SQLite's float affinity corrupting exact values. Queries
	// that sort by an amount CAST to REAL first.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL COLLATE NOCASE UNIQUE,
			email         TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
			password_hash TEXT NOT NULL,
			is_admin      INTEGER NOT NULL DEFAULT 0,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS items (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL COLLATE NOCASE UNIQUE,
			price      TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_items_name ON items(name);

		CREATE TABLE IF NOT EXISTS calculations (
			id                      TEXT PRIMARY KEY,
			owner_id                TEXT REFERENCES users(id) ON DELETE SET NULL,
			title                   TEXT NOT NULL,
			markup                  TEXT NOT NULL DEFAULT '0',
			total_price             TEXT NOT NULL DEFAULT '0',
			total_price_with_markup TEXT NOT NULL DEFAULT '0',
			created_at              DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_calculations_owner ON calculations(owner_id);
		CREATE INDEX IF NOT EXISTS idx_calculations_created_at ON calculations(created_at);

		CREATE TABLE IF NOT EXISTS calculation_lines (
			id             TEXT PRIMARY KEY,
			calculation_id TEXT NOT NULL REFERENCES calculations(id) ON DELETE CASCADE,
			item_id        TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			quantity       INTEGER NOT NULL CHECK (quantity >= 1),
			UNIQUE (calculation_id, item_id)
		);
		CREATE INDEX IF NOT EXISTS idx_lines_calculation ON calculation_lines(calculation_id);
		CREATE INDEX IF NOT EXISTS idx_lines_item ON calculation_lines(item_id);

		CREATE TABLE IF NOT EXISTS price_history (
			id         TEXT PRIMARY KEY,
			item_id    TEXT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
			old_price  TEXT NOT NULL,
			new_price  TEXT NOT NULL,
			changed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			changed_by TEXT REFERENCES users(id) ON DELETE SET NULL
		);
		CREATE INDEX IF NOT EXISTS idx_price_history_item ON price_history(item_id);
		CREATE INDEX IF NOT EXISTS idx_price_history_changed_at ON price_history(changed_at);

		CREATE TABLE IF NOT EXISTS snapshots (
			id                             TEXT PRIMARY KEY,
			calculation_id                 TEXT NOT NULL REFERENCES calculations(id) ON DELETE CASCADE,
			frozen_total_price             TEXT NOT NULL,
			frozen_total_price_with_markup TEXT NOT NULL,
			created_at                     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_by                     TEXT REFERENCES users(id) ON DELETE SET NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_calculation ON snapshots(calculation_id);

		CREATE TABLE IF NOT EXISTS snapshot_lines (
			id          TEXT PRIMARY KEY,
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			item_name   TEXT NOT NULL,
			item_price  TEXT NOT NULL,
			quantity    INTEGER NOT NULL,
			line_total  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshot_lines_snapshot ON snapshot_lines(snapshot_id);
	`)
	if err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLITE_BUSY/SQLITE_LOCKED, lock
// contention that a caller may retry, as opposed to a data problem.
func isBusy(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff // mask extended result code bits
		return code == codeBusy || code == codeLocked
	}
	return false
}

// isConstraint reports whether err is a uniqueness/check violation.
func isConstraint(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == codeConstraint
	}
	return false
}

// sortClause builds a safe ORDER BY from a whitelist. columns maps the
// caller-facing sort key to the SQL expression; falls back to def when
// the key is unknown. Direction defaults to ascending.
func sortClause(columns map[string]string, sort, direction, def string) string {
	expr, ok := columns[sort]
	if !ok {
		expr = def
	}
	if direction == "desc" {
		return expr + " DESC"
	}
	return expr + " ASC"
}

// clampPage applies the shared pagination defaults.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
