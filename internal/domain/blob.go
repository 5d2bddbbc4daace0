package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// BatchPayload is the raw upstream content of one ingestion request, kept
// verbatim in the payload archive so a batch can be replayed.
type BatchPayload struct {
	RequestID   string             `json:"request_id"`
	UserID      int64              `json:"user_id"`
	Type        BatchType          `json:"type"`
	BrokerKey   string             `json:"broker_key"`
	PeriodStart time.Time          `json:"period_start"`
	PeriodEnd   time.Time          `json:"period_end"`
	Txs         []Tx               `json:"txs,omitempty"`
	Instruments []InstrumentRecord `json:"instruments,omitempty"`
	Prices      []PriceRecord      `json:"prices,omitempty"`
}

// Request returns the batch creation request carried by the payload.
func (p BatchPayload) Request() NewBatch {
	return NewBatch{
		UserID:    p.UserID,
		Type:      p.Type,
		BrokerKey: p.BrokerKey,
		Period:    Period{Start: p.PeriodStart, End: p.PeriodEnd},
	}
}

// PayloadArchive keeps raw batch payloads in cold storage.
type PayloadArchive interface {
	Archive(ctx context.Context, batchID int64, payload BatchPayload) (path string, err error)
	Load(ctx context.Context, path string) (BatchPayload, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}
