// Package store opens the relational mirror of the page tree and provides the
// transaction, schema and error primitives shared by the engine services.
//
// Page files are the source of truth. The database is derived and may be
// dropped at any time; a forced full sync rebuilds it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// sqliteBusyTimeoutMs is the time SQLite waits when the database is locked.
const sqliteBusyTimeoutMs = 10000

// Options selects the backend.
type Options struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string
	// DSN is the sqlite file path or the postgres connection string.
	DSN string
}

// DB is the relational mirror.
//
// With SQLite the pool holds a single connection: every statement issued
// while a [Tx] is open must go through that Tx.
type DB struct {
	sql     *sql.DB
	dialect dialect
	closed  atomic.Bool
	rebuilt bool
}

// sqlOpen is swapped in tests.
var sqlOpen = sql.Open

// Open connects to the backend and ensures the schema is current.
//
// A schema version mismatch drops and recreates every table; [DB.Rebuilt]
// reports this so the caller can run a forced full sync.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if ctx == nil {
		return nil, errors.New("context is nil")
	}

	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	if strings.TrimSpace(opts.DSN) == "" {
		return nil, errors.New("Options.DSN is required")
	}

	var (
		raw *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite:
		raw, err = openSqlite(ctx, opts.DSN)
	case DriverPostgres:
		raw, err = openPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db := &DB{sql: raw, dialect: dialectFor(driver)}

	rebuilt, err := ensureSchema(ctx, db.conn())
	if err != nil {
		closeErr := raw.Close()

		return nil, errors.Join(fmt.Errorf("schema: %w", err), closeErr)
	}

	db.rebuilt = rebuilt

	return db, nil
}

// Rebuilt reports whether Open created or recreated the schema.
func (db *DB) Rebuilt() bool {
	return db.rebuilt
}

// Driver returns the backend driver name.
func (db *DB) Driver() string {
	return db.dialect.driver
}

// Close releases the connection pool. Safe on nil, idempotent.
func (db *DB) Close() error {
	if db == nil || db.closed.Swap(true) {
		return nil
	}

	err := db.sql.Close()
	if err != nil {
		return fmt.Errorf("%s: close: %w", db.dialect.driver, err)
	}

	return nil
}

// Reader returns a [Querier] for reads outside a transaction.
func (db *DB) Reader() Querier {
	return db.conn()
}

func (db *DB) conn() *conn {
	return &conn{raw: db.sql, dialect: db.dialect}
}

func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0o750)
		if err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := sqlOpen(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	// Ensure per-connection PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("sqlite: ping: %w", err), db.Close())
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA foreign_keys = OFF;
		PRAGMA cache_size = -20000;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeoutMs))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("sqlite: apply pragmas: %w", err), db.Close())
	}

	return db, nil
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sqlOpen(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	db.SetMaxOpenConns(8)

	err = db.PingContext(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("postgres: ping: %w", err), db.Close())
	}

	return db, nil
}
