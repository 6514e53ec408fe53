// Package apperr holds the error taxonomy shared by the engine and its surfaces.
package apperr

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation error")
	ErrRateLimited = errors.New("rate limited")
	ErrTransient   = errors.New("transient failure")
	ErrConflict    = errors.New("conflict")
)

// Kind names used on the wire.
const (
	KindNotFound    = "not_found"
	KindValidation  = "validation"
	KindRateLimited = "rate_limited"
	KindTransient   = "transient"
	KindConflict    = "conflict"
	KindInternal    = "internal"
)

// Kind returns the taxonomy kind of err, or KindInternal when it is unclassified.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Stale reports whether err implies the local mirror is out of date and a
// refresh should happen before retrying.
func Stale(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
