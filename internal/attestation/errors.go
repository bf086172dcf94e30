package attestation

import (
	"errors"
	"fmt"
)

// Failure reports that trust in an endpoint could not be established.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("attestation failed: %s: %v", f.Reason, f.Err)
	}
	return "attestation failed: " + f.Reason
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(format string, args ...any) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...)}
}

// IsFailure reports whether err is an attestation failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}
