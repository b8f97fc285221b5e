package graph

import (
	"errors"
	"fmt"
)

// Common errors shared across the engine. Storage backends, the query
// layer and the reasoning engine all classify failures with these
// sentinels so callers can branch with errors.Is regardless of backend.
var (
	// ErrNotFound: missing entity, relation, or cursor target.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: duplicate ID on an add operation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidID: empty or malformed identifier.
	ErrInvalidID = errors.New("invalid id")

	// ErrInvalidData: malformed input, bad query, or violated invariant.
	ErrInvalidData = errors.New("invalid data")

	// ErrCapability: a Tier 2 operation the backend does not implement
	// and for which no generic fallback applies.
	ErrCapability = errors.New("operation not supported by backend")

	// ErrTimeout: a bounded operation exceeded its budget.
	ErrTimeout = errors.New("operation timed out")

	// ErrExternal: an external collaborator (embedding provider, remote
	// backend) was unreachable or misbehaved.
	ErrExternal = errors.New("external dependency failed")

	// ErrStoreClosed: operation on a closed store.
	ErrStoreClosed = errors.New("store closed")
)

// ValidationError is a field-level validation failure. It always names
// the field or path segment that failed so callers can surface a precise
// diagnostic instead of a generic message.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Msg)
}

// Unwrap lets errors.Is(err, ErrInvalidData) match validation errors.
func (e *ValidationError) Unwrap() error { return ErrInvalidData }

// NewValidationError builds a field-scoped validation error.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
