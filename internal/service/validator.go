package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/metrics"
)

// Validator checks staged rows before reconciliation.
type Validator struct {
	batches *BatchService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewValidator creates a Validator that fails batches through batches.
func NewValidator(batches *BatchService, logger *slog.Logger) *Validator {
	return &Validator{
		batches: batches,
		logger:  logger.With(slog.String("component", "validator")),
	}
}

// WithMetrics records validation failures on m.
func (v *Validator) WithMetrics(m *metrics.Metrics) *Validator {
	v.metrics = m
	return v
}

// ValidateTxs fails the batch when any staged transaction has neither a
// description nor a complete identifier. The returned *domain.ValidationError
// lists one line per offending row; its text is also stored on the batch.
func (v *Validator) ValidateTxs(ctx context.Context, ex domain.Executor, batchID int64) error {
	invalid, err := ex.Staging().InvalidTxs(ctx, batchID)
	if err != nil {
		v.batches.Fail(ctx, ex, batchID, err)
		return fmt.Errorf("validator: load invalid txs: %w", err)
	}
	if len(invalid) == 0 {
		return nil
	}

	verr := &domain.ValidationError{BatchID: batchID}
	for _, t := range invalid {
		verr.Lines = append(verr.Lines, fmt.Sprintf(
			"row %d: missing description and incomplete identifier (namespace=%q domain=%q identifier=%q) trade_date=%s",
			t.ID, t.Identifier.Namespace, t.Identifier.Domain, t.Identifier.Value,
			t.TradeDate.Format("2006-01-02"),
		))
	}

	v.metrics.ValidationFailed()
	v.logger.WarnContext(ctx, "staged transactions failed validation",
		slog.Int64("batch_id", batchID),
		slog.Int("invalid_rows", len(invalid)),
	)
	v.batches.Fail(ctx, ex, batchID, verr)
	return verr
}
