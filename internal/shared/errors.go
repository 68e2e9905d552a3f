package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)

// UserSafeMessage returns an error message suitable for API consumers.
// Internal details are stripped for unknown errors.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "resource not found"
	case errors.Is(err, ErrIdempotencyConflict):
		return "request already processed"
	default:
		return "internal error"
	}
}
