package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/metrics"
)

// BatchService owns batch status transitions. Every staging write that fails
// moves the batch to FAILED before the error is returned, so a batch never
// stays PENDING or PROCESSING after a failed step.
type BatchService struct {
	bus     domain.SignalBus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewBatchService creates a BatchService.
func NewBatchService(logger *slog.Logger) *BatchService {
	return &BatchService{logger: logger.With(slog.String("component", "batch_service"))}
}

// WithSignalBus publishes a domain.BatchEvent on every status change.
func (s *BatchService) WithSignalBus(bus domain.SignalBus) *BatchService {
	s.bus = bus
	return s
}

// WithMetrics records batch counters on m.
func (s *BatchService) WithMetrics(m *metrics.Metrics) *BatchService {
	s.metrics = m
	return s
}

// Create opens a PENDING batch.
func (s *BatchService) Create(ctx context.Context, ex domain.Executor, req domain.NewBatch) (int64, error) {
	id, err := ex.Batches().Create(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("batch_service: create: %w", err)
	}
	s.metrics.BatchCreated(string(req.Type))
	s.logger.InfoContext(ctx, "batch created",
		slog.Int64("batch_id", id),
		slog.String("type", string(req.Type)),
		slog.Int64("user_id", req.UserID),
	)
	s.publish(ctx, id, domain.BatchStatusPending, "")
	return id, nil
}

// UpdateTotalRecords sets the staged row total.
func (s *BatchService) UpdateTotalRecords(ctx context.Context, ex domain.Executor, id int64, total int) error {
	if err := ex.Batches().UpdateTotalRecords(ctx, id, total); err != nil {
		return fmt.Errorf("batch_service: update total: %w", err)
	}
	return nil
}

// Transition moves a batch to status. Backward moves and moves out of a
// terminal status are rejected with domain.ErrInvalidTransition.
func (s *BatchService) Transition(ctx context.Context, ex domain.Executor, id int64, to domain.BatchStatus, errMsg string) error {
	b, err := ex.Batches().Get(ctx, id)
	if err != nil {
		return fmt.Errorf("batch_service: transition: %w", err)
	}
	if !domain.CanTransition(b.Status, to) {
		return fmt.Errorf("batch_service: batch %d %s -> %s: %w", id, b.Status, to, domain.ErrInvalidTransition)
	}
	if err := ex.Batches().UpdateStatus(ctx, id, to, errMsg); err != nil {
		return fmt.Errorf("batch_service: transition: %w", err)
	}

	s.metrics.BatchTransition(string(to))
	s.publish(ctx, id, to, errMsg)
	return nil
}

// Fail moves a batch to FAILED with cause as the message. A batch that is
// already terminal is left untouched.
func (s *BatchService) Fail(ctx context.Context, ex domain.Executor, id int64, cause error) {
	s.logger.WarnContext(ctx, "batch failed",
		slog.Int64("batch_id", id),
		slog.String("error", cause.Error()),
	)
	if err := s.Transition(ctx, ex, id, domain.BatchStatusFailed, cause.Error()); err != nil {
		s.logger.ErrorContext(ctx, "mark batch failed",
			slog.Int64("batch_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := ex.Audit().Log(ctx, "batch_failed", map[string]any{
		"batch_id": id,
		"reason":   cause.Error(),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit batch failure", slog.String("error", err.Error()))
	}
}

// StageTxs stages raw transactions, failing the batch on error.
func (s *BatchService) StageTxs(ctx context.Context, ex domain.Executor, id int64, txs []domain.Tx) (int, error) {
	n, err := ex.Staging().StageTxs(ctx, id, txs)
	if err != nil {
		s.Fail(ctx, ex, id, err)
		return 0, fmt.Errorf("batch_service: stage txs: %w", err)
	}
	s.metrics.Staged("tx", n)
	return n, nil
}

// StageInstruments stages instrument descriptions under source, failing the
// batch on error.
func (s *BatchService) StageInstruments(ctx context.Context, ex domain.Executor, id int64, source string, recs []domain.InstrumentRecord) (int, error) {
	n, err := ex.Staging().StageInstruments(ctx, id, source, recs)
	if err != nil {
		s.Fail(ctx, ex, id, err)
		return 0, fmt.Errorf("batch_service: stage instruments: %w", err)
	}
	s.metrics.Staged("instrument", n)
	return n, nil
}

// StageIdentifiers queues identifier claims for resolution, failing the
// batch on error.
func (s *BatchService) StageIdentifiers(ctx context.Context, ex domain.Executor, id int64, source string, keys []domain.IdentifierKey) (int, error) {
	n, err := ex.Staging().StageIdentifiers(ctx, id, source, keys)
	if err != nil {
		s.Fail(ctx, ex, id, err)
		return 0, fmt.Errorf("batch_service: stage identifiers: %w", err)
	}
	s.metrics.Staged("identifier", n)
	return n, nil
}

// StagePrices stages raw prices, failing the batch on error.
func (s *BatchService) StagePrices(ctx context.Context, ex domain.Executor, id int64, prices []domain.PriceRecord) (int, error) {
	n, err := ex.Staging().StagePrices(ctx, id, prices)
	if err != nil {
		s.Fail(ctx, ex, id, err)
		return 0, fmt.Errorf("batch_service: stage prices: %w", err)
	}
	s.metrics.Staged("price", n)
	return n, nil
}

func (s *BatchService) publish(ctx context.Context, id int64, status domain.BatchStatus, msg string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.BatchEvent{
		BatchID: id,
		Status:  status,
		Message: msg,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.BatchEventsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish batch event",
			slog.Int64("batch_id", id),
			slog.String("error", err.Error()),
		)
	}
}
