// Package store is the SQLite-backed conversation store. It loads chats
// as immutable, fully-ordered aggregates for the validator, and exposes
// a transactional mutation API so a heal (validation read, repair
// writes, confirming re-validation) commits atomically or not at all.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/listfold/chatmend/internal/logger"
)

// Store wraps the SQLite database holding chats, messages, tool calls,
// checkpoints and recovery contexts.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source, used by retention tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if necessary) the conversation database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Component("store").Info("conversation DB ready", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier abstracts *sql.DB and *sql.Tx so aggregate loads work both
// inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a transaction-scoped view of the store. All healing writes go
// through a Tx so partial repairs are never visible outside it.
type Tx struct {
	tx  *sql.Tx
	now func() time.Time
}

// WithTx runs fn inside a single transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: dbtx, now: s.now}); err != nil {
		if rbErr := dbtx.Rollback(); rbErr != nil {
			logger.Component("store").Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
