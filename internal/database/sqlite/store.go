// Package sqlite implements the bar store on an embedded SQLite database.
// It serves local runs without PostgreSQL and shares the unique
// (instrument_id, timestamp) contract of the primary store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/trogers1052/market-data-ingestor/internal/errs"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store persists instruments and bars in a single SQLite file
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time; runs queue on the pool instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.Discard()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetLogger sets the logger used for row-level rejections
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instruments (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol      TEXT    NOT NULL UNIQUE CHECK (length(symbol) BETWEEN 1 AND 20),
			name        TEXT    NOT NULL DEFAULT '',
			asset_type  TEXT    NOT NULL DEFAULT 'equity' CHECK (asset_type IN ('equity', 'index', 'crypto')),
			exchange    TEXT    NOT NULL DEFAULT '',
			is_active   INTEGER NOT NULL DEFAULT 1,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bars (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument_id  INTEGER NOT NULL REFERENCES instruments(id) ON DELETE CASCADE,
			timestamp      INTEGER NOT NULL,
			open           TEXT    NOT NULL CHECK (CAST(open AS REAL) >= 0),
			high           TEXT    NOT NULL CHECK (CAST(high AS REAL) >= 0),
			low            TEXT    NOT NULL CHECK (CAST(low AS REAL) >= 0),
			close          TEXT    NOT NULL CHECK (CAST(close AS REAL) >= 0),
			volume         INTEGER NOT NULL CHECK (volume >= 0),
			created_at     INTEGER NOT NULL,
			UNIQUE (instrument_id, timestamp),
			CHECK (CAST(high AS REAL) >= CAST(low AS REAL))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_instrument_ts ON bars(instrument_id, timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeError("sqlite.Ping", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraintViolation(err error) bool {
	var se *sqlitedrv.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.E(errs.Cancelled, op, err)
	}

	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return errs.E(errs.ConstraintViolation, op, err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
			return errs.E(errs.StoreUnavailable, op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errs.E(errs.StoreUnavailable, op, err)
	}
	return errs.E(errs.Unknown, op, err)
}
