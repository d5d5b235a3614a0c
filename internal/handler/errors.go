package handler

import (
	"log/slog"
	"net/http"

	"github.com/riteshkumar/carewallet/internal/errors"
	u "github.com/riteshkumar/carewallet/internal/utils"
)

// handleServiceError maps domain errors to HTTP responses. Unknown errors are
// logged and reported as 500 without details.
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error, operation string) {
	switch {
	case errors.IsInsufficientFunds(err):
		u.WriteError(w, http.StatusPaymentRequired, "insufficient funds", err.Error())
	case errors.Is(err, errors.ErrNotAuthorized):
		u.WriteError(w, http.StatusForbidden, "not authorized", err.Error())
	case errors.IsNotFound(err):
		u.WriteError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, errors.ErrRateLimited):
		u.WriteRetryableError(w, http.StatusTooManyRequests, "rate limited", err.Error())
	case errors.IsConcurrentModification(err):
		u.WriteRetryableError(w, http.StatusConflict, "concurrent modification", err.Error())
	case errors.IsConflict(err):
		u.WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.IsValidationError(err):
		u.WriteError(w, http.StatusBadRequest, "validation error", err.Error())
	case errors.Is(err, errors.ErrInvalidAccountID),
		errors.Is(err, errors.ErrInvalidAmount),
		errors.Is(err, errors.ErrSameAccount),
		errors.Is(err, errors.ErrTransferNotBalanced):
		u.WriteError(w, http.StatusBadRequest, "invalid request", err.Error())
	case errors.IsRetryable(err):
		logger.Error("transient failure during "+operation, "error", err.Error())
		u.WriteRetryableError(w, http.StatusServiceUnavailable, "temporarily unavailable", "")
	default:
		logger.Error("internal server error during "+operation, "error", err.Error())
		u.WriteError(w, http.StatusInternalServerError, "internal server error", "")
	}
}
