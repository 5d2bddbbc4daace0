package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/store/memory"
)

type memBlobs struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memBlobs) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, b := range m.files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(b))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

func TestPayloadArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := &memBlobs{files: map[string][]byte{}}
	ex := memory.New().Executor()
	archive := NewPayloadArchive(blobs, blobs, ex.Audit(), "")

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	payload := domain.BatchPayload{
		RequestID:   "req-1",
		UserID:      9,
		Type:        domain.BatchTypeTxs,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		Txs: []domain.Tx{{
			Identifier:  domain.IdentifierKey{Namespace: "TICKER", Domain: "XNAS", Value: "AAPL"},
			Description: "Apple",
			AccountID:   "acc",
			Currency:    "USD",
			Units:       decimal.NewFromInt(10),
			TradeDate:   start,
			Type:        domain.TxTypeBuy,
		}},
	}

	path, err := archive.Archive(ctx, 42, payload)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if path != "batches/2024/03/42-req-1.json" {
		t.Fatalf("unexpected path %q", path)
	}

	got, err := archive.Load(ctx, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RequestID != "req-1" || len(got.Txs) != 1 || !got.Txs[0].Units.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("payload did not round trip: %+v", got)
	}

	infos, err := archive.List(ctx, "2024/")
	if err != nil || len(infos) != 1 {
		t.Fatalf("list: %v %v", infos, err)
	}

	entries, err := ex.Audit().List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "batch_archived" {
		t.Fatalf("expected one batch_archived audit entry, got %+v", entries)
	}
}

func TestPayloadArchiveLoadMissing(t *testing.T) {
	blobs := &memBlobs{files: map[string][]byte{}}
	archive := NewPayloadArchive(blobs, blobs, nil, "raw")

	if _, err := archive.Load(context.Background(), "raw/nope.json"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithScheme(t *testing.T) {
	cases := map[string]string{
		"minio:9000":            "http://minio:9000",
		"https://s3.example.io": "https://s3.example.io",
	}
	for in, want := range cases {
		if got := withScheme(in, false); got != want {
			t.Fatalf("withScheme(%q) = %q, want %q", in, got, want)
		}
	}
	if got := withScheme("r2.example.com", true); got != "https://r2.example.com" {
		t.Fatalf("withScheme with ssl = %q", got)
	}
}
