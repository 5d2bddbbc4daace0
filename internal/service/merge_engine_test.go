package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/store/memory"
)

var (
	isinAAPL   = domain.IdentifierKey{Namespace: "ISIN", Domain: "GLOBAL", Value: "US0378331005"}
	tickerAAPL = domain.IdentifierKey{Namespace: "TICKER", Domain: "XNAS", Value: "AAPL"}
	figiAAPL   = domain.IdentifierKey{Namespace: "FIGI", Domain: "GLOBAL", Value: "BBG000B9XRY4"}
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newInstrument(t *testing.T, ex domain.Executor, keys ...domain.IdentifierKey) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := ex.Instruments().Create(ctx, domain.Instrument{
		Type:   domain.InstrumentTypeEquity,
		Status: domain.InstrumentStatusActive,
	})
	if err != nil {
		t.Fatalf("create instrument: %v", err)
	}
	if _, err := ex.Instruments().InsertIdentifiers(ctx, id, domain.SourceUser, keys); err != nil {
		t.Fatalf("insert identifiers: %v", err)
	}
	return id
}

// bookTx promotes one transaction against whichever instrument holds key.
func bookTx(t *testing.T, ex domain.Executor, key domain.IdentifierKey) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batchID, err := ex.Batches().Create(ctx, domain.NewBatch{
		UserID: 1,
		Type:   domain.BatchTypeTxs,
		Period: domain.Period{Start: start, End: start.AddDate(0, 1, 0)},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if _, err := ex.Staging().StageTxs(ctx, batchID, []domain.Tx{{
		Identifier: key,
		AccountID:  "acc-1",
		Currency:   "USD",
		Units:      decimal.NewFromInt(5),
		TradeDate:  start.AddDate(0, 0, 3),
		Type:       domain.TxTypeBuy,
	}}); err != nil {
		t.Fatalf("stage tx: %v", err)
	}
	if n, _, err := ex.Ledger().PromoteTxs(ctx, batchID, 1); err != nil || n != 1 {
		t.Fatalf("promote tx: %d %v", n, err)
	}
}

// bookPrice promotes one price point against whichever instrument holds key.
func bookPrice(t *testing.T, ex domain.Executor, key domain.IdentifierKey) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batchID, err := ex.Batches().Create(ctx, domain.NewBatch{
		UserID: 1,
		Type:   domain.BatchTypePrices,
		Period: domain.Period{Start: start, End: start.AddDate(0, 1, 0)},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if _, err := ex.Staging().StagePrices(ctx, batchID, []domain.PriceRecord{{
		Identifier: key,
		Currency:   "USD",
		Price:      decimal.NewFromInt(190),
		AsOf:       start.AddDate(0, 0, 10),
	}}); err != nil {
		t.Fatalf("stage price: %v", err)
	}
	if n, _, err := ex.Ledger().PromotePrices(ctx, batchID); err != nil || n != 1 {
		t.Fatalf("promote price: %d %v", n, err)
	}
}

func TestMergeNoMatch(t *testing.T) {
	ex := memory.New().Executor()
	engine := NewMergeEngine(ex, testLogger())

	_, ok, err := engine.MergeInstruments(context.Background(), []domain.IdentifierKey{isinAAPL})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if ok {
		t.Fatal("expected no match")
	}

	_, ok, err = engine.MergeInstruments(context.Background(), nil)
	if err != nil || ok {
		t.Fatalf("empty key set: ok=%v err=%v", ok, err)
	}
}

func TestMergeSingleMatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	id := newInstrument(t, ex, isinAAPL)

	got, ok, err := NewMergeEngine(ex, testLogger()).MergeInstruments(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL})
	if err != nil || !ok || got != id {
		t.Fatalf("merge = %d %v %v, want %d", got, ok, err, id)
	}
	idents, _ := ex.Instruments().ListIdentifiers(ctx, id)
	if len(idents) != 1 {
		t.Fatalf("single match should not attach keys, got %d identifiers", len(idents))
	}
	entries, _ := ex.Audit().List(ctx, domain.ListOpts{})
	if len(entries) != 0 {
		t.Fatalf("single match should not be audited, got %+v", entries)
	}
}

func TestMergeCollapsesIntoLowestID(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()

	a := newInstrument(t, ex, isinAAPL)
	b := newInstrument(t, ex, tickerAAPL, figiAAPL)
	bookTx(t, ex, tickerAAPL)
	bookPrice(t, ex, figiAAPL)

	option, err := ex.Instruments().Create(ctx, domain.Instrument{Type: domain.InstrumentTypeOption, Status: domain.InstrumentStatusActive})
	if err != nil {
		t.Fatalf("create option: %v", err)
	}
	if _, err := ex.Instruments().CreateDerivative(ctx, domain.Derivative{
		InstrumentID: option,
		UnderlyingID: b,
		Kind:         domain.DerivativeKindOption,
		PutCall:      domain.Call,
		StrikePrice:  decimal.NewFromInt(150),
		Multiplier:   domain.DefaultMultiplier,
	}); err != nil {
		t.Fatalf("create derivative: %v", err)
	}

	survivor, ok, err := NewMergeEngine(ex, testLogger()).MergeInstruments(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL})
	if err != nil || !ok {
		t.Fatalf("merge: %v %v", ok, err)
	}
	if survivor != a {
		t.Fatalf("survivor = %d, want lowest id %d", survivor, a)
	}

	if _, err := ex.Instruments().Get(ctx, b); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("retired instrument still present: %v", err)
	}

	idents, err := ex.Instruments().ListIdentifiers(ctx, a)
	if err != nil {
		t.Fatalf("list identifiers: %v", err)
	}
	held := map[domain.IdentifierKey]bool{}
	for _, id := range idents {
		held[id.Key] = true
	}
	for _, k := range []domain.IdentifierKey{isinAAPL, tickerAAPL, figiAAPL} {
		if !held[k] {
			t.Fatalf("survivor missing identifier %s, has %v", k, idents)
		}
	}

	txs, _ := ex.Ledger().TransactionsOf(ctx, a)
	if len(txs) != 1 {
		t.Fatalf("transaction not repointed to survivor: %d", len(txs))
	}
	if prices, _ := ex.Ledger().PricesOf(ctx, a); len(prices) != 1 {
		t.Fatalf("price not repointed to survivor: %d", len(prices))
	}
	if prices, _ := ex.Ledger().PricesOf(ctx, b); len(prices) != 0 {
		t.Fatalf("retired instrument still has %d prices", len(prices))
	}
	d, err := ex.Instruments().DerivativeOf(ctx, option)
	if err != nil || d.UnderlyingID != a {
		t.Fatalf("underlying not repointed: %+v %v", d, err)
	}

	entries, _ := ex.Audit().List(ctx, domain.ListOpts{})
	if len(entries) != 1 || entries[0].Event != "instruments_merged" {
		t.Fatalf("expected instruments_merged audit entry, got %+v", entries)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	a := newInstrument(t, ex, isinAAPL)
	newInstrument(t, ex, tickerAAPL)

	engine := NewMergeEngine(ex, testLogger())
	keys := []domain.IdentifierKey{tickerAAPL, isinAAPL}

	first, _, err := engine.MergeInstruments(ctx, keys)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	before, _ := ex.Instruments().ListIdentifiers(ctx, a)

	second, ok, err := engine.MergeInstruments(ctx, keys)
	if err != nil || !ok {
		t.Fatalf("second merge: %v %v", ok, err)
	}
	after, _ := ex.Instruments().ListIdentifiers(ctx, a)
	if first != second || len(before) != len(after) {
		t.Fatalf("repeat merge changed state: %d/%d identifiers %d/%d", first, second, len(before), len(after))
	}
}

func TestMergeConvergesRegardlessOfKeyOrder(t *testing.T) {
	ctx := context.Background()

	run := func(keys []domain.IdentifierKey) []domain.IdentifierKey {
		ex := memory.New().Executor()
		a := newInstrument(t, ex, isinAAPL)
		newInstrument(t, ex, tickerAAPL)
		newInstrument(t, ex, figiAAPL)
		if _, _, err := NewMergeEngine(ex, testLogger()).MergeInstruments(ctx, keys); err != nil {
			t.Fatalf("merge: %v", err)
		}
		held, err := ex.Instruments().IdentifiersOf(ctx, []int64{a})
		if err != nil {
			t.Fatalf("identifiers of: %v", err)
		}
		return held
	}

	x := run([]domain.IdentifierKey{isinAAPL, tickerAAPL, figiAAPL})
	y := run([]domain.IdentifierKey{figiAAPL, tickerAAPL, isinAAPL, isinAAPL})
	if len(x) != 3 || len(x) != len(y) {
		t.Fatalf("merges diverged: %v vs %v", x, y)
	}
	for i := range x {
		if x[i] != y[i] {
			t.Fatalf("merges diverged: %v vs %v", x, y)
		}
	}
}

func TestMergeConvergesAcrossSuccessiveMerges(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	cusipAAPL := domain.IdentifierKey{Namespace: "CUSIP", Domain: "US", Value: "037833100"}

	a := newInstrument(t, ex, isinAAPL)
	b := newInstrument(t, ex, tickerAAPL)
	c := newInstrument(t, ex, figiAAPL, cusipAAPL)
	bookTx(t, ex, cusipAAPL)

	engine := NewMergeEngine(ex, testLogger())
	first, _, err := engine.MergeInstruments(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL})
	if err != nil || first != a {
		t.Fatalf("first merge = %d %v, want %d", first, err, a)
	}
	second, _, err := engine.MergeInstruments(ctx, []domain.IdentifierKey{tickerAAPL, figiAAPL})
	if err != nil || second != a {
		t.Fatalf("second merge = %d %v, want %d", second, err, a)
	}

	ids, _ := ex.Instruments().FindByIdentifiers(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL, figiAAPL, cusipAAPL})
	if len(ids) != 1 || ids[0] != a {
		t.Fatalf("instruments after both merges = %v, want [%d]", ids, a)
	}
	for _, id := range []int64{b, c} {
		if _, err := ex.Instruments().Get(ctx, id); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("instrument %d survived: %v", id, err)
		}
	}
	if idents, _ := ex.Instruments().ListIdentifiers(ctx, a); len(idents) != 4 {
		t.Fatalf("survivor holds %d identifiers, want 4", len(idents))
	}
	if txs, _ := ex.Ledger().TransactionsOf(ctx, a); len(txs) != 1 {
		t.Fatalf("transaction not carried to survivor: %d", len(txs))
	}
}

// lockRecorder is a LockManager that records acquisitions and refuses keys
// listed in held. onRelease, if set, runs as each lock is released.
type lockRecorder struct {
	mu        sync.Mutex
	acquired  []string
	released  []string
	held      map[string]bool
	onRelease func(key string)
}

func (l *lockRecorder) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.acquired = append(l.acquired, key)
	return func() {
		if l.onRelease != nil {
			l.onRelease(key)
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released = append(l.released, key)
	}, nil
}

func TestMergeLocksKeysInOrder(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	newInstrument(t, ex, isinAAPL)
	newInstrument(t, ex, tickerAAPL)

	locks := &lockRecorder{}
	engine := NewMergeEngine(ex, testLogger()).WithLocks(locks, time.Second, time.Second)
	if _, _, err := engine.MergeInstruments(ctx, []domain.IdentifierKey{tickerAAPL, isinAAPL}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	want := []string{"merge:" + isinAAPL.String(), "merge:" + tickerAAPL.String()}
	if len(locks.acquired) != 2 || locks.acquired[0] != want[0] || locks.acquired[1] != want[1] {
		t.Fatalf("acquired %v, want %v", locks.acquired, want)
	}
	if len(locks.released) != 2 {
		t.Fatalf("locks not released: %v", locks.released)
	}
}

func TestMergeGivesUpOnHeldLock(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	newInstrument(t, ex, isinAAPL)
	newInstrument(t, ex, tickerAAPL)

	locks := &lockRecorder{held: map[string]bool{"merge:" + tickerAAPL.String(): true}}
	engine := NewMergeEngine(ex, testLogger()).WithLocks(locks, time.Second, 120*time.Millisecond)

	_, _, err := engine.MergeInstruments(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL})
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if len(locks.released) != 1 {
		t.Fatalf("partially acquired locks not released: %v", locks.released)
	}
	ids, _ := ex.Instruments().FindByIdentifiers(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL})
	if len(ids) != 2 {
		t.Fatalf("failed merge changed instruments: %v", ids)
	}
}

func TestMergeHoldsLocksUntilCommit(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	newInstrument(t, ex, isinAAPL)
	b := newInstrument(t, ex, tickerAAPL)

	locks := &lockRecorder{onRelease: func(key string) {
		if _, err := ex.Instruments().Get(ctx, b); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("lock %s released while instrument %d was still committed: %v", key, b, err)
		}
	}}
	engine := NewMergeEngine(ex, testLogger()).WithLocks(locks, time.Second, time.Second)
	if _, _, err := engine.MergeInstruments(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(locks.released) != 2 {
		t.Fatalf("released %v, want 2 locks", locks.released)
	}
}
