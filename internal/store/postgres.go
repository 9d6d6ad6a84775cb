// Package store persists decay events and validation results in a
// time-partitioned Postgres (TimescaleDB) database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the sql handle shared by the event and result stores.
type DB struct {
	sql    *sql.DB
	logger *log.Logger
}

// Open connects to Postgres using the given URL and verifies connectivity.
func Open(ctx context.Context, url string) (*DB, error) {
	if url == "" {
		return nil, fmt.Errorf("store: database URL must be set")
	}

	handle, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	handle.SetMaxOpenConns(20)
	handle.SetMaxIdleConns(5)
	handle.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := handle.PingContext(pingCtx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &DB{
		sql:    handle,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// NewFromHandle wraps an existing handle. Used by tests with sqlmock.
func NewFromHandle(handle *sql.DB) *DB {
	return &DB{
		sql:    handle,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
}

// Migrate applies the schema file at path. create_hypertable failures are
// tolerated so the service still runs against vanilla Postgres in dev.
func (db *DB) Migrate(ctx context.Context, path string) error {
	schema, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: read schema: %w", err)
	}
	if _, err := db.sql.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	db.logger.Printf("Schema applied from %s", path)
	return nil
}

// Ping reports store health for the admin surface.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Begin opens a transaction. The persistence pipeline holds one open per
// batch.
func (db *DB) Begin(ctx context.Context) (*sql.Tx, error) {
	return db.sql.BeginTx(ctx, nil)
}

// Close releases the underlying pool.
func (db *DB) Close() error {
	return db.sql.Close()
}
