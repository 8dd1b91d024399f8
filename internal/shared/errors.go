package shared

import (
	"errors"
	"fmt"

	"github.com/odyssey-erp/medstock/internal/platform/db"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState indicates a transition the current status does not allow.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrInsufficientStock is returned only when the block policy is active.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrIdempotencyConflict indicates a duplicate key.
	ErrIdempotencyConflict = errors.New("idempotent request already processed")
	// ErrConcurrencyConflict indicates a lost race with another writer. Retryable.
	ErrConcurrencyConflict = db.ErrConflict
)

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *FieldError) Unwrap() error { return ErrValidation }

// Invalid builds a FieldError.
func Invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}
