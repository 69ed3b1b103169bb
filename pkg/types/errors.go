package types

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when a reconciliation run is already active
	ErrConcurrencyConflict = errors.New("reconciliation already running")

	// ErrNotFound is returned for unknown runs, checks, discrepancies or anomalies
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved is returned when resolving a resolved discrepancy or anomaly
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrInsufficientData marks a statistical check skipped for lack of history
	ErrInsufficientData = errors.New("insufficient data")

	// ErrExternalFetch wraps authoritative-state lookup failures
	ErrExternalFetch = errors.New("external fetch failed")

	// ErrPersistence wraps store failures surfaced to callers
	ErrPersistence = errors.New("persistence failure")

	// ErrInvalidResolution is returned for an unknown resolution strategy
	ErrInvalidResolution = errors.New("invalid resolution strategy")

	// ErrInvalidAmount is returned when an amount cannot be normalized
	ErrInvalidAmount = errors.New("invalid amount")
)

// FetchError describes a failed authoritative-state lookup
type FetchError struct {
	ResourceType ResourceType
	ResourceID   string
	StatusCode   int
	Err          error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s %s: status %d: %v", e.ResourceType, e.ResourceID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.ResourceType, e.ResourceID, e.Err)
}

// Unwrap lets errors.Is match both ErrExternalFetch and the cause
func (e *FetchError) Unwrap() []error {
	return []error{ErrExternalFetch, e.Err}
}

// Retryable reports whether the failure is worth retrying
func (e *FetchError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// Persistence wraps a store error with ErrPersistence. Caller misuse
// (ErrNotFound, ErrAlreadyResolved) passes through unwrapped.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyResolved) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
