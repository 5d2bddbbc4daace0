package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/metrics"
)

// MergeSource is recorded as the source of identifiers re-attached to a
// surviving instrument.
const MergeSource = "merge"

const (
	defaultLockTTL  = 30 * time.Second
	defaultLockWait = 10 * time.Second
	lockRetryDelay  = 50 * time.Millisecond
)

// MergeEngine collapses instruments that share identifiers into one
// canonical instrument. The instrument with the lowest id survives.
type MergeEngine struct {
	root     domain.Executor
	locks    domain.LockManager
	lockTTL  time.Duration
	lockWait time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewMergeEngine creates a MergeEngine. root is used by MergeInstruments to
// open its own transaction.
func NewMergeEngine(root domain.Executor, logger *slog.Logger) *MergeEngine {
	return &MergeEngine{
		root:     root,
		lockTTL:  defaultLockTTL,
		lockWait: defaultLockWait,
		logger:   logger.With(slog.String("component", "merge_engine")),
	}
}

// WithLocks serializes merges touching the same identifier across
// processes. ttl bounds how long a crashed holder blocks others; wait bounds
// how long a merge waits for a held lock.
func (e *MergeEngine) WithLocks(lm domain.LockManager, ttl, wait time.Duration) *MergeEngine {
	e.locks = lm
	if ttl > 0 {
		e.lockTTL = ttl
	}
	if wait > 0 {
		e.lockWait = wait
	}
	return e
}

// WithMetrics records merge outcomes on m.
func (e *MergeEngine) WithMetrics(m *metrics.Metrics) *MergeEngine {
	e.metrics = m
	return e
}

// Merge finds every instrument holding any of keys and collapses them into
// the one with the lowest id. It reports false when no instrument matches.
// With a single match nothing is written.
//
// All writes happen in a nested scope of ex: transactions, prices and
// derivative underlyings are re-pointed to the survivor, the retiring
// instruments' identifiers and rows are deleted, and the union of keys and
// the retired identifiers is attached to the survivor.
//
// Merge takes no locks. Callers that enable them hold Lock over the same
// keys until ex commits.
func (e *MergeEngine) Merge(ctx context.Context, ex domain.Executor, keys []domain.IdentifierKey) (int64, bool, error) {
	keys = distinctKeys(keys)
	if len(keys) == 0 {
		return 0, false, nil
	}

	ids, err := ex.Instruments().FindByIdentifiers(ctx, keys)
	if err != nil {
		e.metrics.Merge("error", 0)
		return 0, false, fmt.Errorf("merge_engine: find instruments: %w", err)
	}
	switch len(ids) {
	case 0:
		e.metrics.Merge("none", 0)
		return 0, false, nil
	case 1:
		e.metrics.Merge("single", 0)
		return ids[0], true, nil
	}

	survivor, retiring := ids[0], ids[1:]
	if err := e.collapse(ctx, ex, survivor, retiring, keys); err != nil {
		e.metrics.Merge("error", 0)
		return 0, false, err
	}

	e.metrics.Merge("merged", len(retiring))
	e.logger.InfoContext(ctx, "instruments merged",
		slog.Int64("survivor", survivor),
		slog.Any("retired", retiring),
	)
	return survivor, true, nil
}

func (e *MergeEngine) collapse(ctx context.Context, ex domain.Executor, survivor int64, retiring []int64, keys []domain.IdentifierKey) error {
	scope, err := ex.Save(ctx)
	if err != nil {
		return fmt.Errorf("merge_engine: open scope: %w", err)
	}
	defer scope.Rollback(ctx)

	txs, err := scope.Ledger().RepointTransactions(ctx, retiring, survivor)
	if err != nil {
		return fmt.Errorf("merge_engine: repoint transactions: %w", err)
	}
	prices, err := scope.Ledger().RepointPrices(ctx, retiring, survivor)
	if err != nil {
		return fmt.Errorf("merge_engine: repoint prices: %w", err)
	}
	underlyings, err := scope.Instruments().RepointUnderlyings(ctx, retiring, survivor)
	if err != nil {
		return fmt.Errorf("merge_engine: repoint underlyings: %w", err)
	}

	held, err := scope.Instruments().IdentifiersOf(ctx, retiring)
	if err != nil {
		return fmt.Errorf("merge_engine: load retiring identifiers: %w", err)
	}
	union := distinctKeys(append(slices.Clone(keys), held...))

	if _, err := scope.Instruments().DeleteIdentifiers(ctx, retiring); err != nil {
		return fmt.Errorf("merge_engine: delete retiring identifiers: %w", err)
	}
	if _, err := scope.Instruments().DeleteInstruments(ctx, retiring); err != nil {
		return fmt.Errorf("merge_engine: delete retiring instruments: %w", err)
	}
	if _, err := scope.Instruments().InsertIdentifiers(ctx, survivor, MergeSource, union); err != nil {
		return fmt.Errorf("merge_engine: attach identifiers: %w", err)
	}

	if err := scope.Audit().Log(ctx, "instruments_merged", map[string]any{
		"survivor":     survivor,
		"retired":      retiring,
		"transactions": txs,
		"prices":       prices,
		"underlyings":  underlyings,
		"identifiers":  len(union),
	}); err != nil {
		return fmt.Errorf("merge_engine: audit: %w", err)
	}

	if err := scope.Commit(ctx); err != nil {
		return fmt.Errorf("merge_engine: commit: %w", err)
	}
	return nil
}

// MergeInstruments runs Merge in a transaction of its own, committing on
// success and rolling back on failure. Locks are released after the commit.
func (e *MergeEngine) MergeInstruments(ctx context.Context, keys []domain.IdentifierKey) (int64, bool, error) {
	unlock, err := e.Lock(ctx, keys)
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	tx, err := e.root.Save(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("merge_engine: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	id, ok, err := e.Merge(ctx, tx, keys)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("merge_engine: commit: %w", err)
	}
	return id, ok, nil
}

// Lock takes the merge lock of every key in sorted order, waiting up to the
// configured lock wait for each. The returned func releases them all. Without
// a LockManager it is a no-op.
func (e *MergeEngine) Lock(ctx context.Context, keys []domain.IdentifierKey) (func(), error) {
	if e.locks == nil {
		return func() {}, nil
	}
	keys = distinctKeys(keys)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	deadline := time.Now().Add(e.lockWait)
	for _, k := range keys {
		for {
			unlock, err := e.locks.Acquire(ctx, "merge:"+k.String(), e.lockTTL)
			if err == nil {
				unlocks = append(unlocks, unlock)
				break
			}
			if !errors.Is(err, domain.ErrLockHeld) || time.Now().After(deadline) {
				release()
				e.metrics.Merge("error", 0)
				return nil, fmt.Errorf("merge_engine: lock %s: %w", k, err)
			}
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-time.After(lockRetryDelay):
			}
		}
	}
	return release, nil
}

// distinctKeys drops empty keys and duplicates and returns the rest sorted.
func distinctKeys(keys []domain.IdentifierKey) []domain.IdentifierKey {
	out := make([]domain.IdentifierKey, 0, len(keys))
	for _, k := range keys {
		if !k.IsZero() {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b domain.IdentifierKey) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return slices.Compact(out)
}
