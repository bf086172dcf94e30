package orchestrator

import (
	"context"
	"sync"
)

// Step is one action the orchestrator is about to take.
type Step struct {
	Phase    Phase
	Identity string

	// Slot is the data slot for PhaseData steps and -1 otherwise.
	Slot int
}

// Hooks lets callers observe and gate the run.
type Hooks struct {
	// Before runs before each step. Returning an error fails the step.
	// It may block to hold a step back.
	Before func(ctx context.Context, step Step) error
}

func (h Hooks) before(ctx context.Context, step Step) error {
	if h.Before == nil {
		return nil
	}
	return h.Before(ctx, step)
}

// Barrier releases its waiters once n of them have arrived. It is meant
// for Hooks.Before to force steps of different participants to overlap.
type Barrier struct {
	mu      sync.Mutex
	waiting int
	n       int
	release chan struct{}
}

// NewBarrier returns a barrier for n parties.
func NewBarrier(n int) *Barrier {
	return &Barrier{n: n, release: make(chan struct{})}
}

// Wait blocks until n parties have called Wait or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.waiting++
	if b.waiting == b.n {
		close(b.release)
	}
	b.mu.Unlock()

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
