// Package perrors defines the error taxonomy shared across the server.
// Every failure that crosses a component boundary carries one of these
// codes so HTTP handlers, SSE writers, and connectors can map it uniformly.
package perrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error condition.
type Code string

const (
	// CodeDenied is a deny-list hit or a refused permission check.
	CodeDenied Code = "DENIED"

	// CodeUnauthorized is a missing or wrong API key.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeNotFound is an absent session, stream, or request.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict is a duplicate stream or container name.
	CodeConflict Code = "CONFLICT"

	// CodeTimeout is an expired approval, question, or container deadline.
	CodeTimeout Code = "TIMEOUT"

	// CodeRuntimeFailure is an agent runtime error.
	CodeRuntimeFailure Code = "RUNTIME_FAILURE"

	// CodeSandboxUnavailable means the container runtime is absent.
	CodeSandboxUnavailable Code = "SANDBOX_UNAVAILABLE"

	// CodeOOM is a container killed with exit 137.
	CodeOOM Code = "OOM"

	// CodeProtocol is a malformed event from the runtime or a client.
	CodeProtocol Code = "PROTOCOL_ERROR"

	// CodeTransientNetwork is a reconnect-class connector failure.
	CodeTransientNetwork Code = "TRANSIENT_NETWORK"

	// CodeInternal is everything unclassified.
	CodeInternal Code = "INTERNAL"
)

// Error is a structured error with a classification code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap lets errors.Is and errors.As reach the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code.
func New(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Denied(message string, err error) *Error       { return New(CodeDenied, message, err) }
func Unauthorized(message string, err error) *Error { return New(CodeUnauthorized, message, err) }
func NotFound(message string, err error) *Error     { return New(CodeNotFound, message, err) }
func Conflict(message string, err error) *Error     { return New(CodeConflict, message, err) }
func Timeout(message string, err error) *Error      { return New(CodeTimeout, message, err) }
func Runtime(message string, err error) *Error      { return New(CodeRuntimeFailure, message, err) }
func Sandbox(message string, err error) *Error      { return New(CodeSandboxUnavailable, message, err) }
func OOM(message string, err error) *Error          { return New(CodeOOM, message, err) }
func Protocol(message string, err error) *Error     { return New(CodeProtocol, message, err) }
func Transient(message string, err error) *Error    { return New(CodeTransientNetwork, message, err) }
func Internal(message string, err error) *Error     { return New(CodeInternal, message, err) }

// CodeOf extracts the code from any error, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeInternal
}

// Retryable reports whether the failure is transient.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeTransientNetwork, CodeTimeout:
		return true
	}
	return false
}

// HTTPStatus maps a code to the status a HTTP handler should write.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeDenied:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeProtocol:
		return http.StatusBadRequest
	case CodeSandboxUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
