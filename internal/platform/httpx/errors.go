package httpx

import (
	"errors"
	"net/http"

	"github.com/tradecredit/creditdesk/internal/shared"
)

// ErrUnauthorized indicates a request without a usable role claim.
var ErrUnauthorized = errors.New("unauthorized")

// availabilityReporter is implemented by errors that carry the remaining
// credit at the time of a refused drawdown.
type availabilityReporter interface {
	AvailableAmount() int64
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrIllegalTransition), errors.Is(err, shared.ErrStorageConflict):
		return http.StatusConflict
	case errors.Is(err, shared.ErrInsufficientCredit):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
// Internal errors never leak their message.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	problem := ProblemDetail{
		Title:  http.StatusText(status),
		Status: status,
		Kind:   shared.Kind(err),
	}
	if errors.Is(err, ErrUnauthorized) {
		problem.Kind = "unauthorized"
	}
	if status != http.StatusInternalServerError {
		problem.Detail = err.Error()
	}
	var reporter availabilityReporter
	if errors.As(err, &reporter) {
		available := reporter.AvailableAmount()
		problem.Available = &available
	}
	if errors.Is(err, shared.ErrStorageConflict) {
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, status, problem)
}
