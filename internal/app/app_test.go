package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alanyoungcy/portfoliodb/internal/config"
	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

const payloadJSON = `{
  "request_id": "req-1",
  "user_id": 1,
  "type": "TXS_TIMESERIES",
  "broker_key": "ibkr",
  "period_start": "2024-01-01T00:00:00Z",
  "period_end": "2024-02-01T00:00:00Z",
  "txs": [{
    "identifier": {"namespace": "TICKER", "domain": "XNAS", "value": "AAPL"},
    "description": "Apple Inc",
    "account_id": "acc-1",
    "currency": "USD",
    "units": "3",
    "unit_price": "185.25",
    "trade_date": "2024-01-03T00:00:00Z",
    "type": "BUY"
  }]
}`

const staticTable = `[{"type": "EQUITY", "listing_mic": "XNAS", "identifiers": [
  {"namespace": "TICKER", "domain": "XNAS", "value": "AAPL"},
  {"namespace": "FIGI", "domain": "GLOBAL", "value": "BBG000B9XRY4"}]}]`

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func memoryConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Store.Driver = "memory"
	cfg.Metrics.Enabled = true
	cfg.Resolver.Sources = []config.ResolverSource{{
		Name: "static", Kind: "static", File: writeFile(t, "static.json", staticTable),
	}}
	return &cfg
}

func TestIngestModeWithStaticResolver(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)

	deps, cleanup, err := Wire(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	defer cleanup()
	if deps.Postgres != nil || deps.Archive != nil || deps.LockManager != nil {
		t.Fatal("optional backends wired without being enabled")
	}

	svcs, err := BuildServices(cfg, deps, testLogger())
	if err != nil {
		t.Fatalf("build services: %v", err)
	}

	a := New(cfg, Options{IngestFile: writeFile(t, "payload.json", payloadJSON)}, testLogger())
	if err := a.IngestMode(ctx, svcs); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	batches, err := svcs.Ingest.RecentBatches(ctx, 10)
	if err != nil || len(batches) != 1 {
		t.Fatalf("recent batches: %v %v", batches, err)
	}
	if b := batches[0]; b.Status != domain.BatchStatusCompleted || b.ProcessedRecords != 1 {
		t.Fatalf("unexpected batch: %+v", b)
	}

	figi := domain.IdentifierKey{Namespace: "FIGI", Domain: "GLOBAL", Value: "BBG000B9XRY4"}
	ids, err := deps.Root.Instruments().FindByIdentifiers(ctx, []domain.IdentifierKey{figi})
	if err != nil || len(ids) != 1 {
		t.Fatalf("resolved instrument missing: %v %v", ids, err)
	}
}

func TestIngestModeRequiresFile(t *testing.T) {
	a := New(memoryConfig(t), Options{}, testLogger())
	if err := a.IngestMode(context.Background(), nil); err == nil {
		t.Fatal("expected error without a payload file")
	}
}

func TestReadPayloadRejectsUnknownFields(t *testing.T) {
	if _, err := readPayload(writeFile(t, "bad.json", `{"user_id":1,"extra":true}`)); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := readPayload(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected open error")
	}
}

func TestBuildResolverStrategies(t *testing.T) {
	cfg := memoryConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("wire: %v", err)
	}
	defer cleanup()

	cfg.Resolver.Sources = nil
	if r, err := buildResolver(cfg, deps, testLogger()); err != nil || r != nil {
		t.Fatalf("no sources: %v %v", r, err)
	}

	cfg.Resolver.Strategy = "priority"
	cfg.Resolver.Sources = []config.ResolverSource{
		{Name: "static", Kind: "static", Priority: 0, File: writeFile(t, "s.json", staticTable)},
		{Name: "openfigi", Kind: "openfigi", Priority: 1},
	}
	if r, err := buildResolver(cfg, deps, testLogger()); err != nil || r == nil {
		t.Fatalf("priority: %v %v", r, err)
	}

	cfg.Resolver.Sources = []config.ResolverSource{{Name: "bad", Kind: "static", File: "/nonexistent.json"}}
	if _, err := buildResolver(cfg, deps, testLogger()); err == nil {
		t.Fatal("expected error for unreadable static table")
	}
}

func TestMigrateModeNeedsPostgres(t *testing.T) {
	a := New(memoryConfig(t), Options{}, testLogger())
	if err := a.MigrateMode(context.Background(), &Dependencies{}); err == nil {
		t.Fatal("expected error without postgres")
	}
}
