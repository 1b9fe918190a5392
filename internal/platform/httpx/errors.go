// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// RetryAfterSeconds is advertised on 503 responses for transient lock contention.
const RetryAfterSeconds = "1"

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrConcurrentModification):
		w.Header().Set("Retry-After", RetryAfterSeconds)
		Problem(w, http.StatusServiceUnavailable, "Concurrent Modification", shared.UserSafeMessage(err))
	case errors.Is(err, shared.ErrScopeHalted), errors.Is(err, shared.ErrIntegrityAlarm):
		Problem(w, http.StatusLocked, "Scope Halted", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
