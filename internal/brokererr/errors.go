// Package brokererr defines the error taxonomy surfaced by the core: a kind
// front-ends can switch on, wrapping whatever underlying cause produced it.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind classifies a broker error for front-end translation (binary protocol
// status codes, HTTP status codes).
type Kind int

const (
	// Internal covers anything that doesn't fit a more specific kind.
	Internal Kind = iota
	InvalidArgument
	TopicNotFound
	IoError
	Corruption
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case TopicNotFound:
		return "TopicNotFound"
	case IoError:
		return "IoError"
	case Corruption:
		return "Corruption"
	default:
		return "Internal"
	}
}

// Error is a broker-level error with a classification and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause. It always uses the given kind, even
// when cause is itself a *Error, since callers know the right classification
// at each call site.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
