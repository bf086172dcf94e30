// Package executor runs the opaque program artifact of a session over
// its data artifacts.
package executor

import (
	"context"
	"errors"
)

// Executor runs program with inputs ordered by data slot and returns the
// opaque result.
type Executor interface {
	Execute(ctx context.Context, program []byte, inputs [][]byte) ([]byte, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, program []byte, inputs [][]byte) ([]byte, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, program []byte, inputs [][]byte) ([]byte, error) {
	return f(ctx, program, inputs)
}

// ErrEmptyProgram is returned for a zero-length program artifact.
var ErrEmptyProgram = errors.New("program artifact is empty")
