package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks input rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock is a permanent business-rule failure and is never retried.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrentModification covers lock timeouts, deadlocks and serialization
	// failures. The whole operation is safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidTransition indicates a reservation state change that is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrIntegrityAlarm signals a three-books mismatch.
	ErrIntegrityAlarm = errors.New("integrity alarm")
	// ErrScopeHalted is returned while an integrity hold blocks writes to a warehouse.
	ErrScopeHalted = errors.New("scope halted pending reconciliation")
)

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// IntegrityAlarm carries the scope and mismatch details of a failed three-books check.
type IntegrityAlarm struct {
	WarehouseIDs []int64
	Details      string
}

func (e *IntegrityAlarm) Error() string {
	ids := make([]string, 0, len(e.WarehouseIDs))
	for _, id := range e.WarehouseIDs {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	return fmt.Sprintf("integrity alarm: warehouses [%s]: %s", strings.Join(ids, ","), e.Details)
}

// Unwrap lets errors.Is match ErrIntegrityAlarm.
func (e *IntegrityAlarm) Unwrap() error { return ErrIntegrityAlarm }

// UserSafeMessage returns a message that can be shown to API callers.
func UserSafeMessage(err error) string {
	var verr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrScopeHalted),
		errors.Is(err, ErrNotFound):
		return err.Error()
	case errors.Is(err, ErrConcurrentModification):
		return "the stock record is busy, retry the request"
	default:
		return "internal error"
	}
}
