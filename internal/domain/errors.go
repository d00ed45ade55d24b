package domain

import "errors"

var (
	ErrAuthFailure = errors.New("authentication failed")
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence error")
	ErrForbidden   = errors.New("forbidden")
	ErrStaleEdit   = errors.New("stale edit version")
	ErrRateLimited = errors.New("rate limited")
)

// ErrorCode maps an error onto the code sent to clients in error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthFailure):
		return "auth"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrStaleEdit):
		return "stale_edit"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
