package stream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/livefeed-io/livefeed/internal/codec"
	"github.com/livefeed-io/livefeed/internal/gateway"
)

// Error is a protocol error mapped to a (status, body) response sent to
// the requesting connection only.
type Error struct {
	Status int
	Detail any
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream error %d: %v", e.Status, e.Detail)
}

func notFound(detail string) *Error {
	if detail == "" {
		detail = "Not found."
	}
	return &Error{Status: http.StatusNotFound, Detail: map[string]any{"detail": detail}}
}

func permissionDenied() *Error {
	return &Error{
		Status: http.StatusForbidden,
		Detail: map[string]any{"detail": "You do not have permission to perform this action."},
	}
}

func methodNotAllowed(action Action) *Error {
	return &Error{
		Status: http.StatusMethodNotAllowed,
		Detail: map[string]any{"detail": fmt.Sprintf("Action %q not allowed.", string(action))},
	}
}

func invalidLookup() *Error {
	return &Error{
		Status: http.StatusUnprocessableEntity,
		Detail: map[string]any{"detail": "The lookup value is invalid."},
	}
}

// asError maps any dispatch error to the uniform wire representation.
func asError(err error) *Error {
	var streamErr *Error
	if errors.As(err, &streamErr) {
		return streamErr
	}

	var validationErr *codec.ValidationError
	if errors.As(err, &validationErr) {
		return &Error{Status: http.StatusUnprocessableEntity, Detail: validationErr.Detail}
	}

	if errors.Is(err, gateway.ErrNotFound) {
		return notFound("")
	}
	if errors.Is(err, gateway.ErrInvalidLookup) {
		return invalidLookup()
	}

	return &Error{
		Status: http.StatusInternalServerError,
		Detail: map[string]any{"detail": "Internal server error."},
	}
}

// fatalError marks failures that must propagate past the message boundary:
// misconfigured collaborators and policy evaluation failures. They are
// never mapped to a per-message response.
type fatalError struct {
	cause error
}

func (e *fatalError) Error() string { return e.cause.Error() }

func (e *fatalError) Unwrap() error { return e.cause }

func misconfigured(format string, args ...any) error {
	return &fatalError{cause: fmt.Errorf(format, args...)}
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
