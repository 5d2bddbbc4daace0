package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/store/memory"
)

func TestTransitionRules(t *testing.T) {
	ctx := context.Background()
	ex := memory.New().Executor()
	svc := NewBatchService(testLogger())

	id, err := svc.Create(ctx, ex, domain.NewBatch{
		UserID: 1,
		Type:   domain.BatchTypePrices,
		Period: domain.Period{Start: january, End: january.AddDate(0, 0, 7)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := svc.Transition(ctx, ex, id, domain.BatchStatusCompleted, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("PENDING -> COMPLETED should be rejected, got %v", err)
	}
	if err := svc.Transition(ctx, ex, id, domain.BatchStatusProcessing, ""); err != nil {
		t.Fatalf("PENDING -> PROCESSING: %v", err)
	}
	if err := svc.Transition(ctx, ex, id, domain.BatchStatusPending, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("PROCESSING -> PENDING should be rejected, got %v", err)
	}
	if err := svc.Transition(ctx, ex, id, domain.BatchStatusCompleted, ""); err != nil {
		t.Fatalf("PROCESSING -> COMPLETED: %v", err)
	}

	svc.Fail(ctx, ex, id, errors.New("late failure"))
	b, _ := ex.Batches().Get(ctx, id)
	if b.Status != domain.BatchStatusCompleted || b.ErrorMessage != "" {
		t.Fatalf("terminal batch was modified: %+v", b)
	}
}

func TestTransitionUnknownBatch(t *testing.T) {
	svc := NewBatchService(testLogger())
	err := svc.Transition(context.Background(), memory.New().Executor(), 404, domain.BatchStatusFailed, "x")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
