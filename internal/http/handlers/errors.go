// Error codes are stable and clients branch on them; messages are for humans.
// errorStatus maps service errors onto a status and code.

package handlers

import (
	"errors"
	"net/http"

	"github.com/tbourn/go-letter-batch/internal/services"
)

const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeForbidden   = "forbidden"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeRateLimited = "too_many_requests"
	ErrCodeInternal    = "internal_error"

	// Domain-specific:
	ErrCodeSubmitFailed     = "submit_failed"
	ErrCodeBatchFailed      = "batch_failed"
	ErrCodeStorageFailed    = "storage_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

// errorStatus maps a service error to an HTTP status and error code.
// Unknown errors are internal.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidUser),
		errors.Is(err, services.ErrInvalidTheme),
		errors.Is(err, services.ErrInvalidHour),
		errors.Is(err, services.ErrInvalidStatus),
		errors.Is(err, services.ErrInvalidBatchHour):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, services.ErrDuplicateRequest),
		errors.Is(err, services.ErrBatchInProgress),
		errors.Is(err, services.ErrRequestNotPending):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, services.ErrRateLimited):
		return http.StatusTooManyRequests, ErrCodeRateLimited
	case errors.Is(err, services.ErrDebugModeRequired):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrLetterNotFound),
		errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrRequestNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
