package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/protocol"
)

// Program names understood by Executor.
const (
	ProgramSum    = "sum"
	ProgramConcat = "concat"
	ProgramCount  = "count"
	ProgramFail   = "fail"
)

// ErrProgramFailed is returned for the fail program.
var ErrProgramFailed = errors.New("program failed on purpose")

// Executor is a deterministic stand-in for the WASM executor. The
// program artifact names an operation over the data inputs, which are
// given in slot order:
//
//	sum     adds the inputs as decimal integers
//	concat  joins the inputs with ","
//	count   counts the inputs
//	fail    returns ErrProgramFailed
//
// The result is the CBOR encoding of the value, decodable with
// session.DecodeResult.
type Executor struct {
	calls atomic.Int64
}

var _ executor.Executor = (*Executor)(nil)

// NewExecutor returns a deterministic executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Calls returns how many times Execute ran.
func (e *Executor) Calls() int64 {
	return e.calls.Load()
}

// Execute runs the named operation.
func (e *Executor) Execute(ctx context.Context, program []byte, inputs [][]byte) ([]byte, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch op := strings.TrimSpace(string(program)); op {
	case ProgramSum:
		total := int64(0)
		for slot, in := range inputs {
			n, err := strconv.ParseInt(string(bytes.TrimSpace(in)), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("slot %d: %w", slot, err)
			}
			total += n
		}
		return protocol.Marshal(total)
	case ProgramConcat:
		parts := make([]string, len(inputs))
		for i, in := range inputs {
			parts[i] = string(in)
		}
		return protocol.Marshal(strings.Join(parts, ","))
	case ProgramCount:
		return protocol.Marshal(len(inputs))
	case ProgramFail:
		return nil, ErrProgramFailed
	case "":
		return nil, executor.ErrEmptyProgram
	default:
		return nil, fmt.Errorf("unknown test program %q", op)
	}
}
