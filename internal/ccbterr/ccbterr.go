// Package ccbterr defines the closed set of error kinds shared by the
// command executor (C11) and the IPC server (C12), so a command's failure
// mode maps to exactly one stable string both over IPC and in CommandResult.
package ccbterr

import "fmt"

// Kind is a stable, wire-safe error code.
type Kind string

const (
	AuthRequired     Kind = "AUTH_REQUIRED"
	AuthError        Kind = "AUTH_ERROR"
	InvalidJSON      Kind = "INVALID_JSON"
	ValidationError  Kind = "VALIDATION_ERROR"
	NotFound         Kind = "NOT_FOUND"
	Conflict         Kind = "CONFLICT"
	Timeout          Kind = "TIMEOUT"
	Unavailable      Kind = "UNAVAILABLE"
	IOError          Kind = "IO_ERROR"
	ConsensusFailure Kind = "CONSENSUS_FAILURE"
	InvalidField     Kind = "INVALID_FIELD"
	InvalidPath      Kind = "INVALID_PATH"
	InvalidKeyLength Kind = "INVALID_KEY_LENGTH"
	InternalError    Kind = "INTERNAL_ERROR"
)

// Error pairs a stable Kind with a human-readable message. It is the
// canonical error type returned by core components so callers (executor,
// IPC server) can map it to an HTTP status or CommandResult.Code without
// string-matching.
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

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, defaulting
// to InternalError otherwise.
func KindOf(err error) Kind {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// As is a tiny local alias of errors.As to avoid importing errors in every
// call site that just wants KindOf.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus maps a Kind to the HTTP status code the IPC server (C12) uses.
func HTTPStatus(k Kind) int {
	switch k {
	case AuthRequired, AuthError:
		return 401
	case ValidationError, InvalidJSON, InvalidField, InvalidPath, InvalidKeyLength:
		return 400
	case NotFound:
		return 404
	case Conflict:
		return 409
	case Timeout:
		return 408
	case Unavailable:
		return 503
	default:
		return 500
	}
}
