package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/resolver"
	"github.com/alanyoungcy/portfoliodb/internal/store/memory"
)

var january = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingBus struct {
	mu     sync.Mutex
	events []domain.BatchEvent
}

func (b *recordingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var ev domain.BatchEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) statuses() []domain.BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BatchStatus, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Status
	}
	return out
}

func newIngest(ex domain.Executor, res domain.StagingResolver) (*IngestService, *recordingBus) {
	bus := &recordingBus{}
	batches := NewBatchService(testLogger()).WithSignalBus(bus)
	svc := NewIngestService(ex, batches, NewValidator(batches, testLogger()), res,
		NewMergeEngine(ex, testLogger()), testLogger())
	return svc, bus
}

func txOn(key domain.IdentifierKey, units int64, day int) domain.Tx {
	return domain.Tx{
		Identifier:  key,
		Description: "Apple Inc",
		AccountID:   "acc-1",
		Currency:    "USD",
		Units:       decimal.NewFromInt(units),
		UnitPrice:   decimal.NewNullDecimal(decimal.RequireFromString("185.25")),
		TradeDate:   january.AddDate(0, 0, day),
		Type:        domain.TxTypeBuy,
	}
}

func txPayload(txs []domain.Tx, insts []domain.InstrumentRecord, prices []domain.PriceRecord) domain.BatchPayload {
	return domain.BatchPayload{
		UserID:      1,
		Type:        domain.BatchTypeTxs,
		BrokerKey:   "ibkr",
		PeriodStart: january,
		PeriodEnd:   january.AddDate(0, 1, 0),
		Txs:         txs,
		Instruments: insts,
		Prices:      prices,
	}
}

func TestIngestCreatesThenReusesInstrument(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	svc, bus := newIngest(ex, nil)

	aapl := domain.InstrumentRecord{
		Type:        domain.InstrumentTypeEquity,
		ListingMIC:  "XNAS",
		Currency:    "USD",
		Identifiers: []domain.IdentifierKey{isinAAPL, tickerAAPL},
	}
	price := domain.PriceRecord{Identifier: isinAAPL, Currency: "USD", Price: decimal.NewFromInt(190), AsOf: january.AddDate(0, 0, 30)}

	res, err := svc.Ingest(ctx, txPayload(
		[]domain.Tx{txOn(tickerAAPL, 10, 2), txOn(tickerAAPL, -4, 9)},
		[]domain.InstrumentRecord{aapl},
		[]domain.PriceRecord{price},
	))
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if res.Status != domain.BatchStatusCompleted || res.Created != 1 || res.Merged != 0 {
		t.Fatalf("unexpected first result: %+v", res)
	}
	if res.Processed != 3 || res.Errors != 0 || res.Total != 8 {
		t.Fatalf("unexpected first counts: %+v", res)
	}

	want := []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing, domain.BatchStatusCompleted}
	if got := bus.statuses(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("published %v, want %v", got, want)
	}

	res2, err := svc.Ingest(ctx, txPayload([]domain.Tx{txOn(isinAAPL, 1, 15)}, []domain.InstrumentRecord{aapl}, nil))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res2.Created != 0 || res2.Processed != 1 {
		t.Fatalf("second ingest should reuse the instrument: %+v", res2)
	}

	ids, _ := ex.Instruments().FindByIdentifiers(ctx, []domain.IdentifierKey{isinAAPL, tickerAAPL})
	if len(ids) != 1 {
		t.Fatalf("expected one canonical instrument, got %v", ids)
	}
	txs, _ := ex.Ledger().TransactionsOf(ctx, ids[0])
	if len(txs) != 3 {
		t.Fatalf("expected 3 transactions on instrument, got %d", len(txs))
	}
	prices, _ := ex.Ledger().PricesOf(ctx, ids[0])
	if len(prices) != 1 {
		t.Fatalf("expected 1 price on instrument, got %d", len(prices))
	}

	b, err := svc.Batch(ctx, res.BatchID)
	if err != nil || b.ProcessedRecords != 3 || b.ProcessedAt == nil {
		t.Fatalf("batch not finalized: %+v %v", b, err)
	}
}

func TestIngestMergesInstrumentsLinkedByNewRecord(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	svc, _ := newIngest(ex, nil)

	a := newInstrument(t, ex, isinAAPL)
	b := newInstrument(t, ex, figiAAPL)
	bookTx(t, ex, figiAAPL)

	res, err := svc.Ingest(ctx, txPayload(
		[]domain.Tx{txOn(figiAAPL, 2, 5)},
		[]domain.InstrumentRecord{{Type: domain.InstrumentTypeEquity, Identifiers: []domain.IdentifierKey{figiAAPL, isinAAPL}}},
		nil,
	))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Merged != 1 || res.Created != 0 {
		t.Fatalf("expected one merge, got %+v", res)
	}
	if _, err := ex.Instruments().Get(ctx, b); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("merged instrument %d still exists", b)
	}
	txs, _ := ex.Ledger().TransactionsOf(ctx, a)
	if len(txs) != 2 {
		t.Fatalf("expected both transactions on survivor, got %d", len(txs))
	}
}

func TestIngestHoldsMergeLocksUntilReconcileCommits(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	newInstrument(t, ex, isinAAPL)
	b := newInstrument(t, ex, figiAAPL)

	locks := &lockRecorder{onRelease: func(key string) {
		if _, err := ex.Instruments().Get(ctx, b); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("lock %s released before the merge of %d committed: %v", key, b, err)
		}
	}}
	batches := NewBatchService(testLogger())
	svc := NewIngestService(ex, batches, NewValidator(batches, testLogger()), nil,
		NewMergeEngine(ex, testLogger()).WithLocks(locks, time.Second, time.Second), testLogger())

	res, err := svc.Ingest(ctx, txPayload(
		[]domain.Tx{txOn(figiAAPL, 2, 5)},
		[]domain.InstrumentRecord{{Type: domain.InstrumentTypeEquity, Identifiers: []domain.IdentifierKey{figiAAPL, isinAAPL}}},
		nil,
	))
	if err != nil || res.Merged != 1 {
		t.Fatalf("ingest = %+v %v", res, err)
	}
	if len(locks.acquired) != 2 || len(locks.released) != 2 {
		t.Fatalf("acquired %v released %v", locks.acquired, locks.released)
	}
}

func TestIngestValidationFailure(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	svc, bus := newIngest(ex, nil)

	bad := txOn(domain.IdentifierKey{Namespace: "ISIN", Value: "US0378331005"}, 1, 3)
	bad.Description = ""

	res, err := svc.Ingest(ctx, txPayload([]domain.Tx{txOn(tickerAAPL, 1, 2), bad}, nil, nil))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(verr.Lines) != 1 || !strings.Contains(verr.Lines[0], "trade_date=2024-01-04") {
		t.Fatalf("unexpected report: %q", verr.Lines)
	}
	if res.Status != domain.BatchStatusFailed {
		t.Fatalf("batch status = %s, want FAILED", res.Status)
	}

	b, _ := svc.Batch(ctx, res.BatchID)
	if !strings.Contains(b.ErrorMessage, "missing description and incomplete identifier") {
		t.Fatalf("error message not stored: %q", b.ErrorMessage)
	}
	if got := bus.statuses(); got[len(got)-1] != domain.BatchStatusFailed {
		t.Fatalf("last event %v, want FAILED", got)
	}

	entries, _ := ex.Audit().List(ctx, domain.ListOpts{})
	if len(entries) == 0 || entries[0].Event != "batch_failed" {
		t.Fatalf("expected batch_failed audit entry, got %+v", entries)
	}
}

func TestIngestEmptyPayload(t *testing.T) {
	svc, _ := newIngest(memory.New().Executor(), nil)

	res, err := svc.Ingest(context.Background(), txPayload(nil, nil, nil))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Status != domain.BatchStatusCompleted || res.Total != 0 || res.Processed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestIngestRejectsBadPeriod(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	svc, _ := newIngest(ex, nil)

	p := txPayload(nil, nil, nil)
	p.PeriodEnd = p.PeriodStart.Add(-time.Hour)
	if _, err := svc.Ingest(ctx, p); !errors.Is(err, domain.ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
	batches, _ := svc.RecentBatches(ctx, 10)
	if len(batches) != 0 {
		t.Fatalf("no batch should be created, got %d", len(batches))
	}
}

func TestIngestCountsUnmatchedRows(t *testing.T) {
	svc, _ := newIngest(memory.New().Executor(), nil)

	res, err := svc.Ingest(context.Background(), txPayload([]domain.Tx{txOn(tickerAAPL, 1, 2)}, nil, nil))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Status != domain.BatchStatusCompleted || res.Processed != 0 || res.Errors != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestIngestResolvesThroughResolver(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	static := resolver.NewStaticResolver("static", []domain.InstrumentRecord{
		{Type: domain.InstrumentTypeEquity, ListingMIC: "XNAS", Identifiers: []domain.IdentifierKey{tickerAAPL, figiAAPL}},
	})
	svc, _ := newIngest(ex, resolver.NewSimpleResolver(ex, static, testLogger()))

	res, err := svc.Ingest(ctx, txPayload([]domain.Tx{txOn(tickerAAPL, 3, 2)}, nil, nil))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Created != 1 || res.Processed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	ids, _ := ex.Instruments().FindByIdentifiers(ctx, []domain.IdentifierKey{figiAAPL})
	if len(ids) != 1 {
		t.Fatalf("resolved identifiers not attached: %v", ids)
	}
	idents, _ := ex.Instruments().ListIdentifiers(ctx, ids[0])
	for _, id := range idents {
		if id.Source != "static" {
			t.Fatalf("identifier %s has source %q, want static", id.Key, id.Source)
		}
	}
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, batchID int64) error {
	return errors.New("openfigi unavailable")
}

func TestIngestResolverFailureFailsBatch(t *testing.T) {
	svc, _ := newIngest(memory.New().Executor(), failingResolver{})

	res, err := svc.Ingest(context.Background(), txPayload([]domain.Tx{txOn(tickerAAPL, 1, 2)}, nil, nil))
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Status != domain.BatchStatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
}

type memArchive struct {
	payloads map[string]domain.BatchPayload
}

func (a *memArchive) Archive(ctx context.Context, batchID int64, p domain.BatchPayload) (string, error) {
	path := "batches/" + p.RequestID + ".json"
	a.payloads[path] = p
	return path, nil
}

func (a *memArchive) Load(ctx context.Context, path string) (domain.BatchPayload, error) {
	p, ok := a.payloads[path]
	if !ok {
		return domain.BatchPayload{}, domain.ErrNotFound
	}
	return p, nil
}

func (a *memArchive) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p := range a.payloads {
		out = append(out, domain.BlobInfo{Path: p})
	}
	return out, nil
}

func TestIngestArchivesAndReplays(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	archive := &memArchive{payloads: map[string]domain.BatchPayload{}}
	svc, _ := newIngest(ex, nil)
	svc.WithArchive(archive)

	p := txPayload(nil, []domain.InstrumentRecord{{Type: domain.InstrumentTypeEquity, Identifiers: []domain.IdentifierKey{isinAAPL}}}, nil)
	p.RequestID = "req-7"
	res, err := svc.Ingest(ctx, p)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Archive != "batches/req-7.json" {
		t.Fatalf("archive path = %q", res.Archive)
	}

	replayed, err := svc.Replay(ctx, res.Archive)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.BatchID == res.BatchID || replayed.Status != domain.BatchStatusCompleted {
		t.Fatalf("replay should run as a new batch: %+v", replayed)
	}
	if len(archive.payloads) != 1 {
		t.Fatalf("replay must not re-archive, have %d payloads", len(archive.payloads))
	}

	if _, err := svc.Replay(ctx, "batches/missing.json"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing archive, got %v", err)
	}
}
