package testutil

import "sync"

// FixedRunIDs returns the same run ID every time, so traces of repeated
// runs compare byte for byte.
//
// Thread-safety: FixedRunIDs is immutable and safe for concurrent use.
type FixedRunIDs struct {
	id string
}

// NewFixedRunIDs returns a generator for id. An empty id yields
// "test-run-default".
func NewFixedRunIDs(id string) *FixedRunIDs {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedRunIDs{id: id}
}

// Generate returns the fixed ID.
func (g *FixedRunIDs) Generate() string {
	return g.id
}

// SequenceRunIDs hands out predetermined run IDs in order.
//
// Thread-safety: safe for concurrent use.
type SequenceRunIDs struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewSequenceRunIDs returns a generator yielding ids in order.
func NewSequenceRunIDs(ids ...string) *SequenceRunIDs {
	return &SequenceRunIDs{ids: ids}
}

// Generate returns the next ID. It panics once the IDs are exhausted, a
// test that starts more runs than it planned for is misconfigured.
func (g *SequenceRunIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("SequenceRunIDs: all run IDs exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
