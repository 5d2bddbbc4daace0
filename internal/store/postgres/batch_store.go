package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// BatchStore implements domain.BatchStore using PostgreSQL.
type BatchStore struct {
	ex *Executor
}

const batchSelectCols = `id, user_id, batch_type, broker_key, period_start, period_end,
	status, total_records, processed_records, error_count, error_message,
	created_at, processed_at`

func scanBatch(row pgx.Row) (domain.Batch, error) {
	var (
		b         domain.Batch
		batchType string
		status    string
	)
	if err := row.Scan(
		&b.ID, &b.UserID, &batchType, &b.BrokerKey, &b.PeriodStart, &b.PeriodEnd,
		&status, &b.TotalRecords, &b.ProcessedRecords, &b.ErrorCount, &b.ErrorMessage,
		&b.CreatedAt, &b.ProcessedAt,
	); err != nil {
		return domain.Batch{}, err
	}
	var err error
	if b.Type, err = domain.ParseBatchType(batchType); err != nil {
		return domain.Batch{}, err
	}
	if b.Status, err = domain.ParseBatchStatus(status); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// Create inserts a PENDING batch with zero counts and returns its id.
func (s *BatchStore) Create(ctx context.Context, req domain.NewBatch) (int64, error) {
	const query = `
		INSERT INTO batches (user_id, batch_type, broker_key, period_start, period_end, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	var id int64
	err := s.ex.q().QueryRow(ctx, query,
		req.UserID, string(req.Type), req.BrokerKey,
		req.Period.Start, req.Period.End, string(domain.BatchStatusPending),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create batch: %w", err)
	}
	return id, nil
}

// Get returns a batch by id.
func (s *BatchStore) Get(ctx context.Context, id int64) (domain.Batch, error) {
	row := s.ex.q().QueryRow(ctx, `SELECT `+batchSelectCols+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, fmt.Errorf("postgres: batch %d: %w", id, domain.ErrNotFound)
		}
		return domain.Batch{}, fmt.Errorf("postgres: get batch %d: %w", id, err)
	}
	return b, nil
}

// ListRecent returns the most recently created batches.
func (s *BatchStore) ListRecent(ctx context.Context, limit int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ex.q().Query(ctx,
		`SELECT `+batchSelectCols+` FROM batches ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list batches rows: %w", err)
	}
	return out, nil
}

// UpdateTotalRecords sets the total number of staged rows.
func (s *BatchStore) UpdateTotalRecords(ctx context.Context, id int64, total int) error {
	tag, err := s.ex.q().Exec(ctx,
		`UPDATE batches SET total_records = $2 WHERE id = $1`, id, total)
	if err != nil {
		return fmt.Errorf("postgres: update batch %d total: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: batch with id %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateStatus moves a batch to status. processed_at is stamped when the
// status is terminal; errMsg is stored for FAILED and cleared otherwise.
func (s *BatchStore) UpdateStatus(ctx context.Context, id int64, status domain.BatchStatus, errMsg string) error {
	if status != domain.BatchStatusFailed {
		errMsg = ""
	}
	const query = `
		UPDATE batches
		SET status = $2,
		    error_message = $3,
		    processed_at = CASE WHEN $4 THEN NOW() ELSE processed_at END
		WHERE id = $1`

	tag, err := s.ex.q().Exec(ctx, query, id, string(status), errMsg, status.Terminal())
	if err != nil {
		return fmt.Errorf("postgres: update batch %d status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: batch with id %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UpdateCounts records how many staged rows were promoted and how many
// could not be.
func (s *BatchStore) UpdateCounts(ctx context.Context, id int64, processed, errCount int) error {
	tag, err := s.ex.q().Exec(ctx,
		`UPDATE batches SET processed_records = $2, error_count = $3 WHERE id = $1`,
		id, processed, errCount)
	if err != nil {
		return fmt.Errorf("postgres: update batch %d counts: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: batch with id %d: %w", id, domain.ErrNotFound)
	}
	return nil
}
