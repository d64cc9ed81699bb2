// Package repository is the Postgres persistence layer. All repositories
// hang off Store and join the ambient transaction carried in the context.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/core"

	"github.com/lib/pq"
)

type txKey struct{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the Postgres-backed implementation of core.Store.
type Store struct {
	db *sql.DB

	users       *userRepo
	groups      *groupRepo
	pyramids    *pyramidRepo
	orders      *orderRepo
	signals     *signalRepo
	riskActions *riskActionRepo
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL.Reveal())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an already-open connection pool.
func NewStore(db *sql.DB) *Store {
	s := &Store{db: db}
	s.users = &userRepo{s}
	s.groups = &groupRepo{s}
	s.pyramids = &pyramidRepo{s}
	s.orders = &orderRepo{s}
	s.signals = &signalRepo{s}
	s.riskActions = &riskActionRepo{s}
	return s
}

func (s *Store) Users() core.UserRepository              { return s.users }
func (s *Store) Groups() core.GroupRepository            { return s.groups }
func (s *Store) Pyramids() core.PyramidRepository        { return s.pyramids }
func (s *Store) Orders() core.OrderRepository            { return s.orders }
func (s *Store) Signals() core.SignalRepository          { return s.signals }
func (s *Store) RiskActions() core.RiskActionRepository  { return s.riskActions }

// q resolves the ambient transaction or falls back to the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction. Serialization failures and
// deadlocks get one retry; everything else rolls back and returns.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		// Already transactional, join it.
		return fn(ctx)
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryableTxError(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isRetryableTxError matches Postgres serialization_failure and
// deadlock_detected.
func isRetryableTxError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// Healthy pings the pool.
func (s *Store) Healthy(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ core.Store = (*Store)(nil)
