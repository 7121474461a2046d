// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"cidd/internal/store"
)

// Store provides PostgreSQL-backed implementations of all repositories.
type Store struct {
	db           *sql.DB
	reconnectURL string
}

// New opens a connection pool against databaseURL. It does not run
// migrations; call Migrate separately (see cmd/cidd-peer and migrations.go).
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Store{db: db, reconnectURL: databaseURL}, nil
}

// DB exposes the underlying pool, used by callers that need to run
// migrations directly against it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Reopen closes and re-establishes the connection pool using the original
// DSN. The Task Runner calls this around forking a child process so the
// child does not inherit the parent's open sockets.
func (s *Store) Reopen(ctx context.Context) error {
	if s.db != nil {
		s.db.Close()
	}
	db, err := sql.Open("postgres", s.reconnectURL)
	if err != nil {
		return fmt.Errorf("failed to reopen postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping postgres after reopen: %w", err)
	}
	s.db = db
	return nil
}

func (s *Store) getExecutor(tx store.DBTransaction) store.DBTransaction {
	if tx != nil {
		return tx
	}
	return s.db
}
