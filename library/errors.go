package library

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed operation for the presentation layer.
type ErrorKind int

const (
	KindUnexpected ErrorKind = iota
	// KindAuth covers bad credentials, rejected tokens and signup
	// validation failures.
	KindAuth
	// KindNotFound means a book or reservation id did not resolve.
	KindNotFound
	// KindConflict covers reservations refused for lack of copies,
	// including a race lost to another client.
	KindConflict
	// KindTransient means the backend could not be reached.
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "unexpected"
	}
}

// Error is a classified failure carrying a message that is safe to show
// to the user.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// UserMessage returns the user-facing message of err, or fallback when
// err carries none.
func UserMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsNotFound reports whether err is a missing book or reservation.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err is a refused reservation.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsTransient reports whether err is a connectivity failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }
