package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/service"
)

// BatchService is what the batch endpoints need from the ingest pipeline.
type BatchService interface {
	Ingest(ctx context.Context, payload domain.BatchPayload) (service.IngestResult, error)
	Batch(ctx context.Context, id int64) (domain.Batch, error)
	RecentBatches(ctx context.Context, limit int) ([]domain.Batch, error)
}

// BatchHandler serves batch endpoints.
type BatchHandler struct {
	batches BatchService
	logger  *slog.Logger
}

func NewBatchHandler(batches BatchService, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{batches: batches, logger: logger}
}

type batchResponse struct {
	ID               int64      `json:"id"`
	UserID           int64      `json:"user_id"`
	Type             string     `json:"type"`
	BrokerKey        string     `json:"broker_key,omitempty"`
	PeriodStart      time.Time  `json:"period_start"`
	PeriodEnd        time.Time  `json:"period_end"`
	Status           string     `json:"status"`
	TotalRecords     int        `json:"total_records"`
	ProcessedRecords int        `json:"processed_records"`
	ErrorCount       int        `json:"error_count"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

func toBatchResponse(b domain.Batch) batchResponse {
	return batchResponse{
		ID:               b.ID,
		UserID:           b.UserID,
		Type:             string(b.Type),
		BrokerKey:        b.BrokerKey,
		PeriodStart:      b.PeriodStart,
		PeriodEnd:        b.PeriodEnd,
		Status:           string(b.Status),
		TotalRecords:     b.TotalRecords,
		ProcessedRecords: b.ProcessedRecords,
		ErrorCount:       b.ErrorCount,
		ErrorMessage:     b.ErrorMessage,
		CreatedAt:        b.CreatedAt,
		ProcessedAt:      b.ProcessedAt,
	}
}

// GetBatch returns one batch.
// GET /api/batches/{id}
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	b, err := h.batches.Batch(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.logger.ErrorContext(r.Context(), "get batch failed",
				slog.Int64("batch_id", id),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, statusFor(err), "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(b))
}

// ListBatches returns the most recent batches, newest first.
// GET /api/batches?limit=50
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	batches, err := h.batches.RecentBatches(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list batches failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	out := make([]batchResponse, len(batches))
	for i, b := range batches {
		out[i] = toBatchResponse(b)
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": out, "limit": limit})
}

type ingestResponse struct {
	BatchID   int64    `json:"batch_id"`
	RequestID string   `json:"request_id"`
	Status    string   `json:"status"`
	Total     int      `json:"total_records"`
	Processed int      `json:"processed_records"`
	Errors    int      `json:"error_count"`
	Created   int      `json:"instruments_created"`
	Merged    int      `json:"instruments_merged"`
	Archive   string   `json:"archive,omitempty"`
	Error     string   `json:"error,omitempty"`
	Report    []string `json:"report,omitempty"`
}

// Ingest runs a batch payload through the pipeline synchronously. A payload
// rejected after its batch was created still answers with the batch id.
// POST /api/batches
func (h *BatchHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var payload domain.BatchPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	res, err := h.batches.Ingest(r.Context(), payload)
	resp := ingestResponse{
		BatchID:   res.BatchID,
		RequestID: res.RequestID,
		Status:    string(res.Status),
		Total:     res.Total,
		Processed: res.Processed,
		Errors:    res.Errors,
		Created:   res.Created,
		Merged:    res.Merged,
		Archive:   res.Archive,
	}
	if err != nil {
		resp.Error = err.Error()
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			resp.Error = "validation failed"
			resp.Report = verr.Lines
		}
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "ingest failed",
				slog.Int64("batch_id", res.BatchID),
				slog.String("error", err.Error()),
			)
		}
		writeJSON(w, code, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}
