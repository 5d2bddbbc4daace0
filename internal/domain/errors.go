package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid batch status transition")
	ErrInvalidEnum       = errors.New("invalid enum value")
	ErrInvalidPeriod     = errors.New("invalid period")
	ErrLockHeld          = errors.New("lock already held")
	ErrNoResolver        = errors.New("no identifier resolver configured")
)

// ValidationError carries the per-row report produced when staged rows fail
// the completeness policy. It matches ErrValidation under errors.Is.
type ValidationError struct {
	BatchID int64
	Lines   []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Lines, "\n")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
