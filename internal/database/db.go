package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/trogers1052/market-data-ingestor/internal/logging"
)

// DB wraps the PostgreSQL connection pool backing the bar store
type DB struct {
	conn    *sql.DB
	connStr string
	logger  *slog.Logger
}

// New opens a connection pool and verifies it with a ping
func New(connStr string) (*DB, error) {
	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn, connStr: connStr, logger: logging.Discard()}, nil
}

// SetLogger sets the logger used for row-level rejections
func (db *DB) SetLogger(logger *slog.Logger) {
	if logger != nil {
		db.logger = logger
	}
}

// SetMaxOpenConns sizes the pool. Concurrent runs each hold one connection
// for the duration of a batch write.
func (db *DB) SetMaxOpenConns(n int) {
	db.conn.SetMaxOpenConns(n)
	db.conn.SetMaxIdleConns(n)
	db.conn.SetConnMaxLifetime(30 * time.Minute)
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return storeError("database.Ping", err)
	}
	return nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	return db.conn.Close()
}
