package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Executor implements domain.Executor on a pgx pool. Without a transaction
// every statement runs on a pooled connection. Nested scopes use pgx's
// pseudo nested transactions, which are savepoints.
type Executor struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
	owns bool
}

// NewExecutor returns a bare executor over pool.
func NewExecutor(pool *pgxpool.Pool) *Executor {
	return &Executor{pool: pool}
}

// FromTx wraps a transaction owned by the caller. The executor never commits
// or rolls it back; nested scopes become savepoints inside it.
func FromTx(pool *pgxpool.Pool, tx pgx.Tx) *Executor {
	return &Executor{pool: pool, tx: tx}
}

func (e *Executor) q() querier {
	if e.tx != nil {
		return e.tx
	}
	return e.pool
}

// InTx reports whether statements run inside a transaction.
func (e *Executor) InTx() bool {
	return e.tx != nil
}

// Begin opens a transaction unless one is already open.
func (e *Executor) Begin(ctx context.Context) error {
	if e.tx != nil {
		return nil
	}
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	e.tx = tx
	e.owns = true
	return nil
}

// Save returns a child executor owning a new scope.
func (e *Executor) Save(ctx context.Context) (domain.Executor, error) {
	if e.tx == nil {
		tx, err := e.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("postgres: begin: %w", err)
		}
		return &Executor{pool: e.pool, tx: tx, owns: true}, nil
	}
	sp, err := e.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: savepoint: %w", err)
	}
	return &Executor{pool: e.pool, tx: sp, owns: true}, nil
}

// Commit commits the scope this executor opened.
func (e *Executor) Commit(ctx context.Context) error {
	if !e.owns || e.tx == nil {
		return nil
	}
	tx := e.tx
	e.tx, e.owns = nil, false
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Rollback discards the scope this executor opened.
func (e *Executor) Rollback(ctx context.Context) error {
	if !e.owns || e.tx == nil {
		return nil
	}
	tx := e.tx
	e.tx, e.owns = nil, false
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

func (e *Executor) Batches() domain.BatchStore { return &BatchStore{ex: e} }
func (e *Executor) Staging() domain.StagingStore { return &StagingStore{ex: e} }
func (e *Executor) Instruments() domain.InstrumentStore { return &InstrumentStore{ex: e} }
func (e *Executor) Ledger() domain.LedgerStore { return &LedgerStore{ex: e} }
func (e *Executor) Audit() domain.AuditStore { return &AuditStore{ex: e} }

// inScope runs fn in a nested scope of ex, committing on success.
func inScope(ctx context.Context, ex *Executor, fn func(*Executor) error) error {
	scope, err := ex.Save(ctx)
	if err != nil {
		return err
	}
	child := scope.(*Executor)
	defer child.Rollback(ctx)

	if err := fn(child); err != nil {
		return err
	}
	return child.Commit(ctx)
}
