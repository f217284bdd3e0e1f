// Package errors provides typed error handling for the vizzly toolkit.
package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind represents different categories of errors
type Kind string

const (
	// ValidationError indicates input that violates a documented contract.
	ValidationError Kind = "validation"
	// SecurityError indicates a path escape or traversal attempt.
	SecurityError Kind = "security"
	// IOError indicates a filesystem failure.
	IOError Kind = "io"
	// NetworkError indicates a transport failure or a non-2xx response.
	NetworkError Kind = "network"
	// AuthError indicates a missing or expired API token.
	AuthError Kind = "auth"
	// ComparisonError indicates a comparison that could not be performed,
	// such as a dimension mismatch. The orchestrator surfaces it as a
	// verdict rather than an error; the CLI uses this kind to report failed
	// comparisons at exit.
	ComparisonError Kind = "comparison"
	// TimeoutError indicates a named operation exceeded its deadline.
	TimeoutError Kind = "timeout"
	// InternalError is the catch-all for unexpected failures.
	InternalError Kind = "internal"
)

// Error is a categorized error with optional context and cause.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Context   map[string]interface{}
	Retryable bool
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// UserMessage returns a single-line message with an actionable next step.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case AuthError:
		return "API token required. Set VIZZLY_TOKEN or run `vizzly auth login`."
	case SecurityError:
		return "Refusing to access a path outside the workspace. Check screenshot names and configured directories."
	case NetworkError:
		return e.Message + ". Check your connection and the API base URL."
	case TimeoutError:
		return e.Message + ". Increase the timeout or retry."
	case ValidationError:
		if field, ok := e.Context["field"].(string); ok {
			return fmt.Sprintf("Invalid %s: %s", field, e.Message)
		}
		return "Invalid input: " + e.Message
	default:
		return e.Message
	}
}

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case ValidationError:
		return http.StatusBadRequest
	case SecurityError:
		return http.StatusForbidden
	case AuthError:
		return http.StatusUnauthorized
	case TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new Error
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Context:   make(map[string]interface{}),
		Retryable: isRetryableByDefault(kind),
	}
}

// Newf creates a new Error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a kind and message
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Retryable: isRetryableByDefault(kind),
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	return Wrap(err, kind, fmt.Sprintf(format, args...))
}

// WithContext adds context to an error
func WithContext(err *Error, key string, value interface{}) *Error {
	if err.Context == nil {
		err.Context = make(map[string]interface{})
	}
	err.Context[key] = value
	return err
}

func isRetryableByDefault(kind Kind) bool {
	switch kind {
	case NetworkError, TimeoutError:
		return true
	default:
		return false
	}
}

// IsKind checks if an error is of a specific kind, unwrapping as needed.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetUserMessage returns a user-friendly message for any error.
func GetUserMessage(err error) string {
	if e, ok := err.(*Error); ok {
		return e.UserMessage()
	}
	return err.Error()
}

// StatusCode extracts the HTTP status from an "API request failed: <code>"
// message, returning "unknown" when no code is present.
func StatusCode(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := err.Error()
	const marker = "API request failed: "
	i := strings.Index(msg, marker)
	if i < 0 {
		return "unknown"
	}
	rest := msg[i+len(marker):]
	j := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	switch {
	case j > 0:
		return rest[:j]
	case j < 0 && rest != "":
		return rest
	}
	return "unknown"
}

// NewValidationError creates a validation error naming the offending field
func NewValidationError(field, message string) *Error {
	return WithContext(New(ValidationError, message), "field", field)
}

// NewSecurityError creates a path-safety error
func NewSecurityError(path string) *Error {
	return WithContext(Newf(SecurityError, "path escapes workspace: %s", path), "path", path)
}

// NewTimeoutError creates a timeout error naming the operation and duration
func NewTimeoutError(operation string, d time.Duration) *Error {
	e := Newf(TimeoutError, "%s timed out after %s", operation, d)
	return WithContext(e, "operation", operation)
}

// NewNetworkError creates a network error preserving the HTTP status code
func NewNetworkError(operation string, status int) *Error {
	e := Newf(NetworkError, "API request failed: %d", status)
	e = WithContext(e, "operation", operation)
	return WithContext(e, "status", status)
}
