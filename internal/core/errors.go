package core

import (
	"errors"
	"fmt"
)

// Error kinds the core distinguishes. Callers classify with errors.Is and
// map to transport codes at the boundary.
var (
	// ErrInvalidInput covers malformed timestamps, inverted windows,
	// non-positive parameters, unknown job types, and deep pagination
	// without a time window.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientData means fewer events/intervals/bits than a
	// calculation requires. Wrap via InsufficientData to carry the counts.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrNotFound covers unknown job ids and unknown assessment runs.
	ErrNotFound = errors.New("not found")

	// ErrTemporaryUnavailable means a remote validator or token endpoint
	// was unreachable. Callers may retry; the core does not.
	ErrTemporaryUnavailable = errors.New("temporarily unavailable")

	// ErrAuthUnavailable means no caller token was propagated and a
	// service token could not be obtained.
	ErrAuthUnavailable = errors.New("authentication unavailable")

	// ErrInternalInvariant means a constructed state violates an
	// invariant, e.g. a chunk budget smaller than the minimum bit count.
	ErrInternalInvariant = errors.New("internal invariant violated")
)

// InsufficientData builds an ErrInsufficientData with the required and
// available quantities attached.
func InsufficientData(what string, needed, have int64) error {
	return fmt.Errorf("%w: %s (needed %d, have %d)", ErrInsufficientData, what, needed, have)
}

// InvalidInput builds an ErrInvalidInput with a formatted reason.
func InvalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
