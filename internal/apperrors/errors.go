// -----------------------------------------------------------------------
// Application Errors - Typed errors translated to HTTP at the edge
// -----------------------------------------------------------------------

package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error so transport layers can translate it without
// string matching. Services return *Error values; handlers map Kind to an
// HTTP status code.
type Kind int

const (
	KindInternal Kind = iota // unexpected failure, HTTP 500
	KindInvalid              // malformed or rejected input, HTTP 400
	KindNotFound             // missing resource, HTTP 404
	KindConflict             // state conflict (duplicate slug, active job), HTTP 400
	KindUnauthorized
	KindForbidden
	KindTooLarge    // payload over the configured cap, HTTP 413
	KindThrottled   // login lockout or rate limit, HTTP 429
	KindUnavailable // feature disabled or dependency down, HTTP 503
	KindBadGateway  // upstream (catalog, bundle host) failure, HTTP 502
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindTooLarge:
		return "too_large"
	case KindThrottled:
		return "throttled"
	case KindUnavailable:
		return "unavailable"
	case KindBadGateway:
		return "bad_gateway"
	default:
		return "internal"
	}
}

// Error carries a classification, a user-facing message, and an optional
// wrapped cause. The message is safe to return to API clients; the cause is
// for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a typed error with a fixed message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification and message to an underlying cause.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Wrapf attaches a classification and formatted message to an underlying cause.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message from an error chain. Unclassified
// errors return a generic message so internals never leak to clients.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// IsNotFound reports whether the error chain contains a KindNotFound error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsInvalid reports whether the error chain contains a KindInvalid error.
func IsInvalid(err error) bool {
	return KindOf(err) == KindInvalid
}

// IsConflict reports whether the error chain contains a KindConflict error.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsUnauthorized reports whether the error chain contains a KindUnauthorized error.
func IsUnauthorized(err error) bool {
	return KindOf(err) == KindUnauthorized
}
