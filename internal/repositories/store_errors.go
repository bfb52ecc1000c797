package repositories

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the base error for missing records in non-Firestore stores.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict is the base error for rejected conditional writes.
	ErrConflict = errors.New("repository: conflict")
	// ErrUnavailable is the base error for transient backend outages.
	ErrUnavailable = errors.New("repository: unavailable")
)

// StoreError implements RepositoryError for the memory and SQL backed stores.
type StoreError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

// Unwrap exposes the underlying error.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the record was missing.
func (e *StoreError) IsNotFound() bool {
	return e != nil && errors.Is(e.Err, ErrNotFound)
}

// IsConflict reports whether a conditional write lost against the stored state.
func (e *StoreError) IsConflict() bool {
	return e != nil && errors.Is(e.Err, ErrConflict)
}

// IsUnavailable reports whether the backend could not be reached.
func (e *StoreError) IsUnavailable() bool {
	return e != nil && errors.Is(e.Err, ErrUnavailable)
}

// NewNotFound builds a not-found StoreError.
func NewNotFound(op, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))}
}

// NewConflict builds a conflict StoreError.
func NewConflict(op, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))}
}

// NewUnavailable wraps a backend failure as retryable.
func NewUnavailable(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
}
