// Package errs provides structured error types shared across the connector.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies a failure category in the connector's error taxonomy.
type Code string

const (
	// CodePoolExhausted indicates a connection acquire timed out with the pool at capacity.
	CodePoolExhausted Code = "pool_exhausted"
	// CodeConnectionLost indicates a mid-operation socket or transport failure.
	CodeConnectionLost Code = "connection_lost"
	// CodeProtocolError indicates a malformed or unexpected frame from the notification connection.
	CodeProtocolError Code = "protocol_error"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a uniqueness or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeInternal captures uncategorized datastore or runtime failures.
	CodeInternal Code = "internal"
	// CodeConfiguration indicates invalid startup-time configuration.
	CodeConfiguration Code = "configuration"
	// CodeFatal indicates an unrecoverable component failure requiring supervisor action.
	CodeFatal Code = "fatal"
)

// E captures structured error information produced across the connector stack.
type E struct {
	Op      string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeInternal)
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking wrapped errors.
// Errors outside the taxonomy classify as CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) && e != nil && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps an error onto the HTTP status surface exposed by the API layer.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodePoolExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
