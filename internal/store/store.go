// Package store is the persistence layer for the control-plane database.
// Every table of the data model gets a typed accessor here; services depend
// on narrow interfaces that *Store satisfies, so tests can swap in fakes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// Store wraps the control-plane *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to the control-plane Postgres and verifies connectivity.
func Open(ctx context.Context, url string) (*Store, error) {
	if url == "" {
		return nil, fmt.Errorf("control-plane database URL is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open control-plane database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping control-plane database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the raw handle for wiring (health checks, migrations).
func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema applies the DDL. Safe to run on every boot.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// withTx runs fn inside a transaction with the given isolation, committing
// on nil and rolling back otherwise.
func (s *Store) withTx(ctx context.Context, iso sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
