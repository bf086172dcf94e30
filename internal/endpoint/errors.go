package endpoint

import (
	"errors"
	"fmt"

	"github.com/roach88/conclave/internal/protocol"
)

// ErrPending is returned by FetchResult while the program or any
// required data artifact is missing. It is an outcome, not a failure.
var ErrPending = errors.New("result pending")

// Rejection is a typed refusal of one request. It is reported to the
// offending connection only; the endpoint and other connections are
// unaffected.
type Rejection struct {
	Op     protocol.Op
	Code   protocol.Code
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", r.Op, r.Code, r.Reason)
}

func reject(op protocol.Op, code protocol.Code, format string, args ...any) *Rejection {
	return &Rejection{Op: op, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a rejection with the given code.
// An empty code matches any rejection.
func IsRejection(err error, code protocol.Code) bool {
	var r *Rejection
	if !errors.As(err, &r) {
		return false
	}
	return code == "" || r.Code == code
}
