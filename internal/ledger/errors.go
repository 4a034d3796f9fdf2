package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a transient failure: network, timeout or the
	// ledger being overloaded. Retrying later may succeed.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrNotFound is returned by QueryDigest for an unknown tx reference.
	ErrNotFound = errors.New("ledger transaction not found")
)

// RejectedError is a permanent refusal by the ledger: malformed input,
// authorization failure or an idempotency key bound to another digest.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "ledger rejected submission: " + e.Reason }

// Rejected returns a *RejectedError with the given reason.
func Rejected(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is a permanent rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// IsTransient reports whether a retry of the failed call may succeed. Any
// error that is not a rejection or a not-found is treated as transient,
// including context deadlines.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return !IsRejected(err) && !errors.Is(err, ErrNotFound)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
