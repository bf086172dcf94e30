package store

import (
	"path/filepath"
	"testing"
)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRun creates a run record with minimal required fields.
func createTestRun(id string, startedSeq int64) Run {
	return Run{
		ID:         id,
		PolicyHash: "test-policy-hash",
		Platform:   "mock",
		StartedSeq: startedSeq,
	}
}

func intPtr(n int) *int {
	return &n
}
