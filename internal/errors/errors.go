// Package errors provides the shared error taxonomy used across every
// backend adapter and the public response envelope. Adapters classify
// driver errors into a Kind; nothing is thrown across the public
// interface.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"ltmc/pkg/types"
)

// Kind is the taxonomy tag carried by every classified error.
type Kind string

const (
	// KindInvalidInput marks a missing or malformed caller parameter
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound marks a reference to an id that does not exist
	KindNotFound Kind = "not_found"
	// KindConflict marks a uniqueness or idempotence key collision
	KindConflict Kind = "conflict"
	// KindBackendUnavailable marks a required backend that is not reachable
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindBackendFailed marks a backend that errored mid-operation
	KindBackendFailed Kind = "backend_failed"
	// KindTimeout marks an expired deadline
	KindTimeout Kind = "timeout"
	// KindIntegrity marks an operation that would violate a consistency invariant
	KindIntegrity Kind = "integrity"
	// KindInternal marks everything else
	KindInternal Kind = "internal"
)

// Valid returns true if the kind is part of the taxonomy
func (k Kind) Valid() bool {
	switch k {
	case KindInvalidInput, KindNotFound, KindConflict, KindBackendUnavailable,
		KindBackendFailed, KindTimeout, KindIntegrity, KindInternal:
		return true
	}
	return false
}

// MemoryError is the structured error type returned by every component.
type MemoryError struct {
	Kind    Kind           `json:"error_kind"`
	Message string         `json:"error"`
	Backend types.Backend  `json:"backend,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the Go error interface
func (e *MemoryError) Error() string {
	msg := e.Message
	if e.Backend != "" {
		msg = fmt.Sprintf("%s: %s", e.Backend, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the underlying cause for errors.Is and errors.As
func (e *MemoryError) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error's context map
func (e *MemoryError) WithContext(key string, value any) *MemoryError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an error of the given kind
func New(kind Kind, message string) *MemoryError {
	return &MemoryError{Kind: kind, Message: message}
}

// Wrap classifies an underlying error under the given kind
func Wrap(kind Kind, message string, cause error) *MemoryError {
	return &MemoryError{Kind: kind, Message: message, Cause: cause}
}

// NewInvalidInput creates an invalid_input error
func NewInvalidInput(message string) *MemoryError {
	return &MemoryError{Kind: KindInvalidInput, Message: message}
}

// NewInvalidInputf creates an invalid_input error with formatting
func NewInvalidInputf(format string, args ...any) *MemoryError {
	return &MemoryError{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound creates a not_found error for the named entity and id
func NewNotFound(entity string, id any) *MemoryError {
	return &MemoryError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %v not found", entity, id),
		Context: map[string]any{"entity": entity, "id": fmt.Sprintf("%v", id)},
	}
}

// NewConflict creates a conflict error
func NewConflict(message string) *MemoryError {
	return &MemoryError{Kind: KindConflict, Message: message}
}

// NewBackendUnavailable creates a backend_unavailable error for the
// named backend
func NewBackendUnavailable(backend types.Backend, cause error) *MemoryError {
	return &MemoryError{
		Kind:    KindBackendUnavailable,
		Message: "backend not reachable",
		Backend: backend,
		Cause:   cause,
	}
}

// NewBackendFailed creates a backend_failed error for the named backend
// and operation
func NewBackendFailed(backend types.Backend, operation string, cause error) *MemoryError {
	return &MemoryError{
		Kind:    KindBackendFailed,
		Message: fmt.Sprintf("%s failed", operation),
		Backend: backend,
		Cause:   cause,
	}
}

// NewTimeout creates a timeout error for the named backend and operation
func NewTimeout(backend types.Backend, operation string) *MemoryError {
	return &MemoryError{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s deadline expired", operation),
		Backend: backend,
	}
}

// NewIntegrity creates an integrity error
func NewIntegrity(message string) *MemoryError {
	return &MemoryError{Kind: KindIntegrity, Message: message}
}

// NewInternal wraps an unclassified error
func NewInternal(cause error) *MemoryError {
	return &MemoryError{Kind: KindInternal, Message: "internal error", Cause: cause}
}

// KindOf classifies an arbitrary error into the taxonomy. Context
// cancellation and deadline expiry map to timeout; unclassified errors
// map to internal; nil maps to the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var me *MemoryError
	if stderrors.As(err, &me) {
		return me.Kind
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// BackendOf reports which backend produced the error, if classified.
func BackendOf(err error) types.Backend {
	var me *MemoryError
	if stderrors.As(err, &me) {
		return me.Backend
	}
	return ""
}

// IsRetryable reports whether the error class is transient enough to
// retry against an idempotent operation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindTimeout:
		return true
	}
	return false
}

// IsKind reports whether err classifies to the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a taxonomy kind to an HTTP status code for the API
// surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case KindBackendFailed:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindIntegrity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
