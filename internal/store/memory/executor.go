// Package memory implements the domain store interfaces in process memory.
// It backs the store.driver = "memory" development mode and the service
// tests. Transactions take a snapshot of the whole database and publish it
// on commit; a commit fails with ErrConflict if another writer committed
// since the snapshot was taken.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// ErrConflict is returned by Commit when the database changed underneath a
// transaction.
var ErrConflict = errors.New("memory: concurrent transaction conflict")

// DB is an in-memory database.
type DB struct {
	mu      sync.Mutex
	st      *state
	version uint64
}

// New returns an empty database.
func New() *DB {
	return &DB{st: newState()}
}

// Executor returns a bare executor over db.
func (db *DB) Executor() *Executor {
	return &Executor{db: db}
}

// Executor implements domain.Executor.
type Executor struct {
	db *DB

	st     *state    // nil when no scope is open
	parent *Executor // set for savepoints
	base   uint64    // db version the root transaction started from
	owns   bool
}

// InTx reports whether a transaction or savepoint scope is open.
func (e *Executor) InTx() bool {
	return e.st != nil
}

// Begin opens a transaction on a snapshot of the database. It is a no-op
// when a scope is already open.
func (e *Executor) Begin(ctx context.Context) error {
	if e.st != nil {
		return nil
	}
	e.db.mu.Lock()
	e.st = e.db.st.clone()
	e.base = e.db.version
	e.db.mu.Unlock()
	e.owns = true
	return nil
}

// Save returns a nested scope: a savepoint inside an open transaction, or a
// fresh transaction otherwise.
func (e *Executor) Save(ctx context.Context) (domain.Executor, error) {
	child := &Executor{db: e.db}
	if e.st == nil {
		if err := child.Begin(ctx); err != nil {
			return nil, err
		}
		return child, nil
	}
	child.st = e.st.clone()
	child.parent = e
	child.owns = true
	return child, nil
}

// Commit publishes a savepoint into its parent, or a transaction into the
// database. A transaction fails with ErrConflict when another one committed
// after it began.
func (e *Executor) Commit(ctx context.Context) error {
	if !e.owns || e.st == nil {
		return nil
	}
	st := e.st
	e.st, e.owns = nil, false

	if e.parent != nil {
		if e.parent.st == nil {
			return errors.New("memory: commit savepoint: parent scope closed")
		}
		e.parent.st = st
		return nil
	}

	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	if e.db.version != e.base {
		return ErrConflict
	}
	e.db.st = st
	e.db.version++
	return nil
}

// Rollback discards the scope. Calling it after Commit does nothing.
func (e *Executor) Rollback(ctx context.Context) error {
	if e.owns {
		e.st, e.owns = nil, false
	}
	return nil
}

// write runs fn against the executor's scope. Outside a scope fn runs on a
// private copy that is published only if fn succeeds, so every statement is
// atomic.
func (e *Executor) write(fn func(*state) error) error {
	if e.st != nil {
		// A failing statement leaves the scope unchanged.
		work := e.st.clone()
		if err := fn(work); err != nil {
			return err
		}
		e.st = work
		return nil
	}
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	work := e.db.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	e.db.st = work
	e.db.version++
	return nil
}

// read runs fn against the executor's view of the database.
func (e *Executor) read(fn func(*state) error) error {
	if e.st != nil {
		return fn(e.st)
	}
	e.db.mu.Lock()
	defer e.db.mu.Unlock()
	return fn(e.db.st)
}

func (e *Executor) Batches() domain.BatchStore { return batchStore{e} }
func (e *Executor) Staging() domain.StagingStore { return stagingStore{e} }
func (e *Executor) Instruments() domain.InstrumentStore { return instrumentStore{e} }
func (e *Executor) Ledger() domain.LedgerStore { return ledgerStore{e} }
func (e *Executor) Audit() domain.AuditStore { return auditStore{e} }
