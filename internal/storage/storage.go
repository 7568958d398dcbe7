// Package storage is the durable persistence layer for watchstate.State
// records: a fixed single-table schema, prepared-statement caching,
// lock-retry discipline, and transactional batch commits (§4.1).
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver selects which registered database/sql driver backs the Storage.
type Driver string

const (
	// DriverSQLite is the pure-Go modernc.org/sqlite driver. Default.
	DriverSQLite Driver = "sqlite"
	// DriverSQLite3 is the cgo-based mattn/go-sqlite3 driver, selectable
	// for deployments that already link cgo sqlite3.
	DriverSQLite3 Driver = "sqlite3"
)

const (
	lockRetryAttempts = 4
	lockRetryBaseSecs = 4
	lockRetryJitter   = 3 // sleep = base + rand(1..jitter) seconds
)

// Config controls how Storage opens its underlying connection.
type Config struct {
	Driver Driver
	// Path is the filesystem path to the database file, or ":memory:" for
	// an in-process database.
	Path string
}

// Storage is the durable relational store for State records.
type Storage struct {
	db      *sql.DB
	dialect Dialect
	path    string

	mu    sync.Mutex // guards stmts; tx and txDepth are guarded by txMu
	stmts map[string]*sql.Stmt

	txMu    sync.Mutex
	tx      *sql.Tx
	txDepth int
}

// Open opens or creates the database described by cfg and applies any
// pending migrations.
func Open(cfg Config) (*Storage, error) {
	driverName := string(cfg.Driver)
	if driverName == "" {
		driverName = string(DriverSQLite)
	}

	dsn := cfg.Path
	if driverName == string(DriverSQLite) && cfg.Path != ":memory:" && !strings.Contains(cfg.Path, "?") {
		dsn = cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	} else if driverName == string(DriverSQLite) && cfg.Path == ":memory:" {
		dsn = ":memory:?_cache=shared"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: pinging database: %w", err)
	}

	s := &Storage{
		db:      db,
		dialect: SQLiteDialect{},
		path:    cfg.Path,
		stmts:   make(map[string]*sql.Stmt),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrating schema: %w", err)
	}

	return s, nil
}

// OpenInMemory opens a shared-cache in-memory SQLite database, the
// configuration every Storage/Mapper test builds on.
func OpenInMemory() (*Storage, error) {
	return Open(Config{Driver: DriverSQLite, Path: ":memory:"})
}

// Close closes the underlying connection.
func (s *Storage) Close() error {
	s.mu.Lock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	s.stmts = make(map[string]*sql.Stmt)
	s.mu.Unlock()
	return s.db.Close()
}

// Dialect returns the active SQL dialect.
func (s *Storage) Dialect() Dialect { return s.dialect }

func (s *Storage) migrate() error {
	return applyMigrations(s.db)
}

// querier is satisfied by both *sql.DB and *sql.Tx so every CRUD method can
// run against whichever is active without branching.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// active returns the transaction to run against if one is open, else the
// raw *sql.DB.
func (s *Storage) active() querier {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// execRetry executes query against the active connection/transaction,
// retrying up to lockRetryAttempts times with a 4+rand(1..3)s sleep between
// attempts when the driver reports the database locked (§4.1, §7
// Transient).
func (s *Storage) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		res, err := s.active().ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isLockedErr(err) {
			return nil, err
		}
		sleepLockRetry(ctx)
	}
	return nil, fmt.Errorf("storage: statement still locked after %d attempts: %w", lockRetryAttempts, lastErr)
}

func sleepLockRetry(ctx context.Context) {
	delay := time.Duration(lockRetryBaseSecs+1+rand.Intn(lockRetryJitter)) * time.Second
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// preparedRetry executes a cached prepared statement (by SQL text),
// invalidating the cache entry on any execution error so a broken handle
// is never reused (§4.1).
func (s *Storage) preparedRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		stmt, err := s.preparedStmt(ctx, query)
		if err != nil {
			return nil, err
		}

		res, err := stmt.ExecContext(ctx, args...)
		if err == nil {
			return res, nil
		}

		lastErr = err
		s.invalidateStmt(query)
		if !isLockedErr(err) {
			return nil, err
		}
		sleepLockRetry(ctx)
	}
	return nil, fmt.Errorf("storage: prepared statement still locked after %d attempts: %w", lockRetryAttempts, lastErr)
}

func (s *Storage) preparedStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}

	// Outside a transaction the statement is prepared against the raw
	// *sql.DB; while a transaction is open it is prepared on the tx so it
	// participates in it. Either way it is cached under the query text.
	var stmt *sql.Stmt
	var err error
	if s.tx != nil {
		stmt, err = s.tx.PrepareContext(ctx, query)
	} else {
		stmt, err = s.db.PrepareContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: preparing statement: %w", err)
	}

	s.stmts[query] = stmt
	return stmt, nil
}

func (s *Storage) invalidateStmt(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		stmt.Close()
		delete(s.stmts, query)
	}
}

// Transactional wraps f in a single transaction. Re-entrant: if a
// transaction is already open on this Storage, f runs inside it rather
// than opening a nested one (§4.1, §5).
func (s *Storage) Transactional(ctx context.Context, f func(ctx context.Context) error) error {
	s.txMu.Lock()
	if s.tx != nil {
		s.txDepth++
		s.txMu.Unlock()
		defer func() {
			s.txMu.Lock()
			s.txDepth--
			s.txMu.Unlock()
		}()
		return f(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.txMu.Unlock()
		return fmt.Errorf("storage: beginning transaction: %w", err)
	}
	s.tx = tx
	s.txDepth = 1
	// Invalidate the prepared-statement cache: statements prepared against
	// the raw *sql.DB aren't valid inside this tx.
	s.mu.Lock()
	for q, stmt := range s.stmts {
		stmt.Close()
		delete(s.stmts, q)
	}
	s.mu.Unlock()
	s.txMu.Unlock()

	defer func() {
		s.txMu.Lock()
		s.tx = nil
		s.txDepth = 0
		s.mu.Lock()
		for q, stmt := range s.stmts {
			stmt.Close()
			delete(s.stmts, q)
		}
		s.mu.Unlock()
		s.txMu.Unlock()
	}()

	if err := f(ctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("storage: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: committing transaction: %w", err)
	}
	return nil
}
