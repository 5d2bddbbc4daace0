package domain

import (
	"fmt"
	"time"
)

// BatchType classifies what a batch carries.
type BatchType string

const (
	BatchTypeTxs    BatchType = "TXS_TIMESERIES"
	BatchTypePrices BatchType = "PRICES_TIMESERIES"
)

// ParseBatchType decodes the persisted form of a BatchType.
func ParseBatchType(s string) (BatchType, error) {
	switch t := BatchType(s); t {
	case BatchTypeTxs, BatchTypePrices:
		return t, nil
	}
	return "", fmt.Errorf("%w: batch type %q", ErrInvalidEnum, s)
}

// BatchStatus tracks the batch lifecycle.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// ParseBatchStatus decodes the persisted form of a BatchStatus.
func ParseBatchStatus(s string) (BatchStatus, error) {
	switch st := BatchStatus(s); st {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusCompleted, BatchStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: batch status %q", ErrInvalidEnum, s)
}

// Terminal reports whether no further transitions are allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// CanTransition reports whether a batch may move from one status to another.
// Transitions only move forward: PENDING -> PROCESSING -> COMPLETED, with
// FAILED reachable from any non-terminal status.
func CanTransition(from, to BatchStatus) bool {
	switch from {
	case BatchStatusPending:
		return to == BatchStatusProcessing || to == BatchStatusFailed
	case BatchStatusProcessing:
		return to == BatchStatusCompleted || to == BatchStatusFailed
	}
	return false
}

// Period is a half-open reporting window attached to a batch.
type Period struct {
	Start time.Time
	End   time.Time
}

// Validate applies the request-level rules for a batch period: both ends set,
// neither at the Unix epoch, and End strictly after Start.
func (p Period) Validate() error {
	epoch := time.Unix(0, 0).UTC()
	switch {
	case p.Start.IsZero():
		return fmt.Errorf("%w: start is required", ErrInvalidPeriod)
	case p.End.IsZero():
		return fmt.Errorf("%w: end is required", ErrInvalidPeriod)
	case p.Start.Equal(epoch):
		return fmt.Errorf("%w: start must not be the epoch", ErrInvalidPeriod)
	case p.End.Equal(epoch):
		return fmt.Errorf("%w: end must not be the epoch", ErrInvalidPeriod)
	case !p.End.After(p.Start):
		return fmt.Errorf("%w: end must be after start", ErrInvalidPeriod)
	}
	return nil
}

// NewBatch is the request to open a batch.
type NewBatch struct {
	UserID    int64
	Type      BatchType
	BrokerKey string
	Period    Period
}

// Batch is one unit of upstream ingestion work.
type Batch struct {
	ID               int64
	UserID           int64
	Type             BatchType
	BrokerKey        string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Status           BatchStatus
	TotalRecords     int
	ProcessedRecords int
	ErrorCount       int
	ErrorMessage     string
	CreatedAt        time.Time
	ProcessedAt      *time.Time
}

// BatchEvent is published on the signal bus whenever a batch changes status.
type BatchEvent struct {
	BatchID int64       `json:"batch_id"`
	Status  BatchStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	At      time.Time   `json:"at"`
}

// BatchEventsChannel is the pub/sub channel carrying BatchEvent payloads.
const BatchEventsChannel = "portfoliodb:batch_events"
