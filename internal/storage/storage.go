// Package storage is the relational store adapter shared by the visitor/event
// repository and the account trust store. It hides which engine backs the
// handle (embedded sqlite, libSQL/Turso or Postgres) behind parameterized
// get/all/run/exec primitives and explicit transactions.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"                     // postgres driver
	_ "github.com/tursodatabase/libsql-client-go/libsql" // libSQL/Turso driver
	_ "modernc.org/sqlite"                               // sqlite driver (pure Go)
)

// ErrStorageUnavailable is returned when the backing connection string is
// absent or the backing store cannot be reached or created.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Dialect names the engine behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectLibSQL   Dialect = "libsql"
	DialectPostgres Dialect = "postgres"
)

// Options configures Open.
type Options struct {
	// URL is a postgres:// URL, a libsql:// (or http(s)/ws(s)) URL, or a sqlite file path.
	URL string
	// AuthToken is appended to libSQL URLs that do not already carry one.
	AuthToken string
	Logger    *slog.Logger
}

// CloseHook runs against the still-open store right before it is closed.
type CloseHook func(ctx context.Context, db *DB) error

// DB is a process-wide handle to the relational store.
type DB struct {
	sql     *sql.DB
	dialect Dialect
	path    string
	logger  *slog.Logger

	mu     sync.Mutex
	hooks  []CloseHook
	closed bool
}

// DetectDialect picks the engine from a connection string.
func DetectDialect(url string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(url))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres
	case strings.HasPrefix(lower, "libsql://"),
		strings.HasPrefix(lower, "http://"),
		strings.HasPrefix(lower, "https://"),
		strings.HasPrefix(lower, "ws://"),
		strings.HasPrefix(lower, "wss://"):
		return DialectLibSQL
	default:
		return DialectSQLite
	}
}

// SQLitePath returns the file path of a sqlite connection string.
func SQLitePath(url string) string {
	return strings.TrimPrefix(strings.TrimSpace(url), "file:")
}

// Open connects to the store named by opts.URL and ensures the schema exists.
func Open(ctx context.Context, opts Options) (*DB, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("%w: no database url configured", ErrStorageUnavailable)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialect := DetectDialect(url)
	var (
		sqlDB *sql.DB
		path  string
		err   error
	)
	switch dialect {
	case DialectSQLite:
		path = SQLitePath(url)
		sqlDB, err = openSQLite(path)
	case DialectLibSQL:
		sqlDB, err = openLibSQL(url, opts.AuthToken)
	case DialectPostgres:
		sqlDB, err = openPostgres(url)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStorageUnavailable, dialect, err)
	}

	db := &DB{sql: sqlDB, dialect: dialect, path: path, logger: logger}
	if err := db.Init(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	logger.Debug("store opened", "dialect", dialect)
	return db, nil
}

// openSQLite opens a sqlite file with foreign keys, WAL and a busy timeout.
// The pool is capped at one connection so every writer in the process is
// serialized through the same owner.
func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: create database directory: %v", ErrStorageUnavailable, err)
			}
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func openLibSQL(url, authToken string) (*sql.DB, error) {
	if authToken != "" && !strings.Contains(url, "authToken=") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "authToken=" + authToken
	}
	db, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("%w: open libsql db: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)
	return db, nil
}

func openPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres db: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
	return db, nil
}

// Dialect reports the engine behind the handle.
func (db *DB) Dialect() Dialect { return db.dialect }

// Path returns the sqlite file path, or "" for networked engines.
func (db *DB) Path() string { return db.path }

// Conn returns a non-transactional handle.
func (db *DB) Conn() Conn { return Conn{q: db.sql, dialect: db.dialect} }

// OnClose registers a hook that runs before the pool is closed. Hooks run in
// registration order; an error does not stop later hooks.
func (db *DB) OnClose(hook CloseHook) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.hooks = append(db.hooks, hook)
}

// WithTx runs fn inside one transaction. Any error returned by fn, or a
// cancelled context, rolls the whole transaction back.
func (db *DB) WithTx(ctx context.Context, fn func(Conn) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(Conn{q: tx, dialect: db.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Close runs the registered close hooks and releases the pool. It is safe to
// call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	hooks := db.hooks
	db.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx, db); err != nil {
			db.logger.Error("close hook failed", "error", err)
			errs = append(errs, err)
		}
	}
	if err := db.sql.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close db: %w", err))
	}
	return errors.Join(errs...)
}
