package session

import (
	"errors"
	"fmt"

	"github.com/roach88/conclave/internal/protocol"
)

var (
	// ErrConfig marks a session configuration error detected before any
	// network activity.
	ErrConfig = errors.New("session configuration error")

	// ErrPending is returned by FetchResult while the endpoint is still
	// waiting for artifacts.
	ErrPending = errors.New("result pending")

	// ErrSessionBusy is returned when a call is made while another call
	// on the same session is in progress.
	ErrSessionBusy = errors.New("session busy")
)

// TransitionError reports a call the session's role or state does not
// permit. Nothing was sent.
type TransitionError struct {
	Identity string
	Op       protocol.Op
	From     State
	Reason   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %q: %s not permitted in state %s: %s", e.Identity, e.Op, e.From, e.Reason)
}

// RejectedError is a typed refusal returned by the endpoint.
type RejectedError struct {
	Identity string
	Op       protocol.Op
	Code     protocol.Code
	Reason   string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("session %q: %s rejected by endpoint (%s): %s", e.Identity, e.Op, e.Code, e.Reason)
}

// IsRejected reports whether err is an endpoint rejection with the
// given code. An empty code matches any rejection.
func IsRejected(err error, code protocol.Code) bool {
	var r *RejectedError
	if !errors.As(err, &r) {
		return false
	}
	return code == "" || r.Code == code
}

// IsTransition reports whether err is a local transition error.
func IsTransition(err error) bool {
	var t *TransitionError
	return errors.As(err, &t)
}
