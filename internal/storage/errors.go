package storage

import (
	"errors"
	"fmt"

	"github.com/hyperjump/kasane/internal/models"
)

var (
	// ErrNotFound is returned when a record, fingerprint, or store does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageFailure matches every FailureError. Callers may retry.
	ErrStorageFailure = errors.New("storage failure")
	// ErrIntegrityViolation matches every IntegrityViolationError.
	ErrIntegrityViolation = errors.New("integrity violation")
	// ErrIncompatible is returned when a store's metadata does not match the requested options.
	ErrIncompatible = errors.New("incompatible store")
)

// FailureError wraps an I/O or driver error from the storage medium.
type FailureError struct {
	Op  string
	Err error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorageFailure) true.
func (e *FailureError) Is(target error) bool { return target == ErrStorageFailure }

func failure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FailureError{Op: op, Err: err}
}

// IntegrityViolationError means a stored record has the fingerprint of the vector being
// inserted but different bytes. The insert is rejected; nothing is overwritten.
type IntegrityViolationError struct {
	Fingerprint models.Fingerprint
	ExistingID  uint64
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("integrity violation: fingerprint %s already stored as id %d with different content",
		e.Fingerprint, e.ExistingID)
}

// Is makes errors.Is(err, ErrIntegrityViolation) true.
func (e *IntegrityViolationError) Is(target error) bool { return target == ErrIntegrityViolation }
