package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("log record not found")

	// ErrConflict is returned when a client-supplied id is already taken.
	ErrConflict = errors.New("log record already exists")

	// ErrIntegrity marks an invariant violation, such as a second, different
	// ledger reference for an already committed record. It is never resolved
	// automatically.
	ErrIntegrity = errors.New("integrity violation")

	// ErrClaimLost is returned when a worker tries to finish a record whose
	// claim has since moved to another worker.
	ErrClaimLost = fmt.Errorf("%w: claim no longer held", ErrConflict)
)

// ErrValidation is returned for malformed input. It is raised before
// anything is persisted.
type ErrValidation struct {
	Field string
	Msg   string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }
