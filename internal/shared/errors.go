package shared

import "errors"

// Error kinds surfaced to callers. Packages wrap them with context, callers
// classify with errors.Is.
var (
	// ErrInvalidInput indicates malformed or out-of-range request data.
	ErrInvalidInput = errors.New("invalid input")
	// ErrForbidden indicates the actor role does not own the field being mutated.
	ErrForbidden = errors.New("forbidden")
	// ErrIllegalTransition indicates the request violates workflow ordering.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrInsufficientCredit indicates a drawdown above the available credit.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrNotFound indicates the resource is missing or outside the caller's scope.
	ErrNotFound = errors.New("not found")
	// ErrStorageConflict indicates a concurrent write won the optimistic check.
	ErrStorageConflict = errors.New("storage conflict")
)

// Kind returns the stable name of the error kind wrapped by err, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorageConflict):
		return "storage_conflict"
	default:
		return "internal"
	}
}
