package bkd

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for invalid configuration or call
	// arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIllegalState is returned when an operation is called on a writer
	// or cursor in the wrong state (already finished, already closed).
	ErrIllegalState = errors.New("illegal state")

	// ErrCountExceeded is returned when more points arrive than the total
	// declared at writer construction.
	ErrCountExceeded = errors.New("point count exceeded")

	// ErrCorrupted is returned when stored bytes fail integrity checks.
	ErrCorrupted = errors.New("corrupted data")
)

// CountExceededError reports that a writer received more points than the
// total it was created with.
//
// It satisfies `errors.Is(err, ErrCountExceeded)`.
type CountExceededError struct {
	Limit int64
	Count int64
}

func (e *CountExceededError) Error() string {
	return fmt.Sprintf("totalPointCount=%d was passed when we were created, but we just hit %d values", e.Limit, e.Count)
}

func (e *CountExceededError) Unwrap() error { return ErrCountExceeded }

// CorruptionError reports an integrity failure in a named resource (an index
// region or a temporary spill file).
//
// It satisfies `errors.Is(err, ErrCorrupted)`; the underlying checksum error
// (if any) stays reachable through errors.Is/errors.As.
type CorruptionError struct {
	Resource string
	cause    error
}

func (e *CorruptionError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("corrupted data in %s: %v", e.Resource, e.cause)
	}
	return fmt.Sprintf("corrupted data in %s", e.Resource)
}

func (e *CorruptionError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrCorrupted, e.cause}
	}
	return []error{ErrCorrupted}
}

func newCorruptionError(resource string, cause error) *CorruptionError {
	return &CorruptionError{Resource: resource, cause: cause}
}
