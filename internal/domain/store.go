package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// Executor is a handle on the relational store that carries an optional
// transaction scope. Every store obtained from an Executor runs its
// statements in that scope, so several stores can take part in one
// atomic unit of work.
//
// An Executor that owns no scope runs each statement on its own. Begin opens
// a transaction on such an executor and is a no-op when one is already open.
// Save returns a child executor with a nested scope: a new transaction if the
// receiver has none, a savepoint otherwise. Commit and Rollback close only the
// scope the executor itself opened and are no-ops once it is closed, so
//
//	scope, err := ex.Save(ctx)
//	if err != nil { ... }
//	defer scope.Rollback(ctx)
//	...
//	return scope.Commit(ctx)
//
// is safe both standalone and nested.
type Executor interface {
	Begin(ctx context.Context) error
	Save(ctx context.Context) (Executor, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTx() bool

	Batches() BatchStore
	Staging() StagingStore
	Instruments() InstrumentStore
	Ledger() LedgerStore
	Audit() AuditStore
}

// BatchStore persists ingestion batches.
type BatchStore interface {
	Create(ctx context.Context, req NewBatch) (int64, error)
	Get(ctx context.Context, id int64) (Batch, error)
	ListRecent(ctx context.Context, limit int) ([]Batch, error)
	UpdateTotalRecords(ctx context.Context, id int64, total int) error
	UpdateStatus(ctx context.Context, id int64, status BatchStatus, errMsg string) error
	UpdateCounts(ctx context.Context, id int64, processed, errCount int) error
}

// StagingStore holds raw batch rows until they are reconciled.
type StagingStore interface {
	StageTxs(ctx context.Context, batchID int64, txs []Tx) (int, error)
	StageInstruments(ctx context.Context, batchID int64, source string, instruments []InstrumentRecord) (int, error)
	StageIdentifiers(ctx context.Context, batchID int64, source string, keys []IdentifierKey) (int, error)
	StagePrices(ctx context.Context, batchID int64, prices []PriceRecord) (int, error)

	// UnresolvedIdentifiers returns the batch's identifier claims that no
	// canonical identifier matches on (namespace, domain, value).
	UnresolvedIdentifiers(ctx context.Context, batchID int64) ([]StagingIdentifier, error)
	// InvalidTxs returns staged transactions that have neither a description
	// nor a complete identifier triple.
	InvalidTxs(ctx context.Context, batchID int64) ([]StagingTx, error)
	StagedInstruments(ctx context.Context, batchID int64) ([]StagedInstrument, error)
	CountRows(ctx context.Context, batchID int64) (int, error)
}

// InstrumentStore persists canonical instruments, identifiers and
// derivative links.
type InstrumentStore interface {
	Create(ctx context.Context, inst Instrument) (int64, error)
	Get(ctx context.Context, id int64) (Instrument, error)
	CreateDerivative(ctx context.Context, d Derivative) (int64, error)
	DerivativeOf(ctx context.Context, instrumentID int64) (Derivative, error)

	// FindByIdentifiers returns the distinct ids of instruments holding any
	// of the keys, in ascending order.
	FindByIdentifiers(ctx context.Context, keys []IdentifierKey) ([]int64, error)
	IdentifiersOf(ctx context.Context, instrumentIDs []int64) ([]IdentifierKey, error)
	ListIdentifiers(ctx context.Context, instrumentID int64) ([]Identifier, error)
	// InsertIdentifiers attaches keys to an instrument, skipping keys the
	// instrument already holds. It returns the number of rows written.
	InsertIdentifiers(ctx context.Context, instrumentID int64, source string, keys []IdentifierKey) (int, error)
	DeleteIdentifiers(ctx context.Context, instrumentIDs []int64) (int64, error)
	DeleteInstruments(ctx context.Context, ids []int64) (int64, error)
	RepointUnderlyings(ctx context.Context, from []int64, to int64) (int64, error)
}

// LedgerStore persists canonical transactions and prices.
type LedgerStore interface {
	RepointTransactions(ctx context.Context, from []int64, to int64) (int64, error)
	RepointPrices(ctx context.Context, from []int64, to int64) (int64, error)

	// PromoteTxs copies the batch's staged transactions whose identifier
	// resolves to an instrument into the ledger. It returns how many rows
	// were promoted and how many could not be matched.
	PromoteTxs(ctx context.Context, batchID, userID int64) (promoted, unmatched int, err error)
	PromotePrices(ctx context.Context, batchID int64) (promoted, unmatched int, err error)

	TransactionsOf(ctx context.Context, instrumentID int64) ([]Transaction, error)
	PricesOf(ctx context.Context, instrumentID int64) ([]Price, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
