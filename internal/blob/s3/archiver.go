package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// multipartThreshold is the encoded payload size above which archives are
// uploaded in parts.
const multipartThreshold = 16 << 20

// PayloadArchive implements domain.PayloadArchive on top of a blob store.
// Each batch payload is stored as one JSON document and the upload is
// recorded in the audit log.
type PayloadArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	prefix string
}

// NewPayloadArchive creates a PayloadArchive writing under prefix
// (default "batches").
func NewPayloadArchive(w domain.BlobWriter, r domain.BlobReader, audit domain.AuditStore, prefix string) *PayloadArchive {
	if prefix == "" {
		prefix = "batches"
	}
	return &PayloadArchive{writer: w, reader: r, audit: audit, prefix: prefix}
}

// Archive uploads payload to <prefix>/YYYY/MM/<batchID>-<requestID>.json,
// partitioned by the batch period start.
func (a *PayloadArchive) Archive(ctx context.Context, batchID int64, payload domain.BatchPayload) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("s3blob: archive batch %d marshal: %w", batchID, err)
	}

	path := a.payloadPath(batchID, payload)
	size := buf.Len()
	var err error
	if size > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, &buf, 0)
	} else {
		err = a.writer.Put(ctx, path, &buf, "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive batch %d upload: %w", batchID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "batch_archived", map[string]any{
			"batch_id":   batchID,
			"request_id": payload.RequestID,
			"path":       path,
			"bytes":      size,
			"rows":       len(payload.Txs) + len(payload.Instruments) + len(payload.Prices),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive batch %d audit log: %w", batchID, err)
		}
	}
	return path, nil
}

// Load reads back an archived payload.
func (a *PayloadArchive) Load(ctx context.Context, path string) (domain.BatchPayload, error) {
	rc, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.BatchPayload{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.BatchPayload{}, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	var p domain.BatchPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.BatchPayload{}, fmt.Errorf("s3blob: decode %s: %w", path, err)
	}
	return p, nil
}

// List returns the archived payloads under prefix, relative to the archive
// root. An empty prefix lists everything.
func (a *PayloadArchive) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	return a.reader.List(ctx, a.prefix+"/"+prefix)
}

//	batches/2024/01/42-6f1c....json
func (a *PayloadArchive) payloadPath(batchID int64, p domain.BatchPayload) string {
	ts := p.PeriodStart.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return fmt.Sprintf("%s/%s/%d-%s.json", a.prefix, ts.Format("2006/01"), batchID, p.RequestID)
}

var _ domain.PayloadArchive = (*PayloadArchive)(nil)
