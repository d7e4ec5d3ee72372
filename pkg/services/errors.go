package services

import (
	"errors"
	"fmt"
)

// Sentinels shared by every service. The API layer maps them onto HTTP
// statuses; everything else branches with errors.Is.
var (
	// ErrNotFound means the requested task, step, or user row does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists means a create collided with an existing identity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConflictState rejects a state-machine transition that is illegal
	// from the entity's current status. Safe to retry after a refetch.
	ErrConflictState = errors.New("illegal state transition")

	// ErrUnavailable means the store kept failing after internal retries.
	// The whole operation may be retried.
	ErrUnavailable = errors.New("store unavailable")

	// ErrInvalidInput rejects malformed input before any write happens.
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError reports which request field failed validation and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// NewValidationError builds a *ValidationError for the given field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether the error is transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
