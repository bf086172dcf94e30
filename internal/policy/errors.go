package policy

import (
	"errors"
	"fmt"
)

// ErrMalformed is the sentinel wrapped by every policy validation error.
// Use errors.Is(err, ErrMalformed) to distinguish configuration errors
// from I/O failures.
var ErrMalformed = errors.New("malformed policy")

// Error describes a single policy violation.
type Error struct {
	// Field is the dotted path of the offending field, e.g.
	// "participants[2].data_slots". Empty for document-level errors.
	Field string

	// Message is a human-readable description of the violation.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrMalformed, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMalformed, e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrMalformed.
func (e *Error) Unwrap() error {
	return ErrMalformed
}

func malformed(field, format string, args ...any) *Error {
	return &Error{Field: field, Message: fmt.Sprintf(format, args...)}
}
