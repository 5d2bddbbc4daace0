package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

type batchStore struct{ e *Executor }

func (s batchStore) Create(ctx context.Context, req domain.NewBatch) (int64, error) {
	var id int64
	err := s.e.write(func(st *state) error {
		id = st.next("batches")
		st.batches[id] = domain.Batch{
			ID:          id,
			UserID:      req.UserID,
			Type:        req.Type,
			BrokerKey:   req.BrokerKey,
			PeriodStart: req.Period.Start,
			PeriodEnd:   req.Period.End,
			Status:      domain.BatchStatusPending,
			CreatedAt:   time.Now().UTC(),
		}
		return nil
	})
	return id, err
}

func (s batchStore) Get(ctx context.Context, id int64) (domain.Batch, error) {
	var b domain.Batch
	err := s.e.read(func(st *state) error {
		got, ok := st.batches[id]
		if !ok {
			return fmt.Errorf("memory: batch %d: %w", id, domain.ErrNotFound)
		}
		b = got
		return nil
	})
	return b, err
}

func (s batchStore) ListRecent(ctx context.Context, limit int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Batch
	err := s.e.read(func(st *state) error {
		for _, b := range st.batches {
			out = append(out, b)
		}
		return nil
	})
	slices.SortFunc(out, func(a, b domain.Batch) int { return cmp.Compare(b.ID, a.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (s batchStore) update(id int64, fn func(*domain.Batch)) error {
	return s.e.write(func(st *state) error {
		b, ok := st.batches[id]
		if !ok {
			return fmt.Errorf("memory: batch with id %d: %w", id, domain.ErrNotFound)
		}
		fn(&b)
		st.batches[id] = b
		return nil
	})
}

func (s batchStore) UpdateTotalRecords(ctx context.Context, id int64, total int) error {
	return s.update(id, func(b *domain.Batch) { b.TotalRecords = total })
}

func (s batchStore) UpdateStatus(ctx context.Context, id int64, status domain.BatchStatus, errMsg string) error {
	return s.update(id, func(b *domain.Batch) {
		b.Status = status
		b.ErrorMessage = ""
		if status == domain.BatchStatusFailed {
			b.ErrorMessage = errMsg
		}
		if status.Terminal() {
			now := time.Now().UTC()
			b.ProcessedAt = &now
		}
	})
}

func (s batchStore) UpdateCounts(ctx context.Context, id int64, processed, errCount int) error {
	return s.update(id, func(b *domain.Batch) {
		b.ProcessedRecords = processed
		b.ErrorCount = errCount
	})
}
