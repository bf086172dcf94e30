package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func slot(n int) *int { return &n }

// =============================================================================
// Clock
// =============================================================================

func TestClockMonotonic(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())
	assert.Equal(t, int64(2), c.Current())

	resumed := NewClockAt(41)
	assert.Equal(t, int64(42), resumed.Next())
}

func TestClockConcurrentUnique(t *testing.T) {
	c := NewClock()
	const goroutines, each = 8, 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				n := c.Next()
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*each)
}

// =============================================================================
// Queue
// =============================================================================

func TestQueueFIFO(t *testing.T) {
	q := newEventQueue()
	for i := int64(1); i <= 3; i++ {
		require.True(t, q.Enqueue(event{kind: eventRequest, request: store.Request{Seq: i}}))
	}
	for i := int64(1); i <= 3; i++ {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, e.request.Seq)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestQueueClose(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(event{kind: eventRequest})
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(event{kind: eventRequest}))
	assert.False(t, q.Drained(), "queued events survive close")
	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.True(t, q.Drained())

	select {
	case <-q.Wait():
	default:
		t.Fatal("Wait must not block after Close")
	}
}

// =============================================================================
// Recorder
// =============================================================================

func TestRecorderWritesInSeqOrder(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s)

	start := r.BeginRun("run-1", "policy", "mock")
	first := r.Record(Entry{RunID: "run-1", Identity: "alice", Op: "submit_program", Outcome: "ack", Artifact: []byte("prog")})
	second := r.Record(Entry{RunID: "run-1", Identity: "bob", Op: "submit_data", Slot: slot(0), Outcome: "ack", Artifact: []byte("data")})
	r.FinishRun("run-1", "success")
	require.NoError(t, r.Close())

	assert.Less(t, start, first.Seq)
	assert.Less(t, first.Seq, second.Seq)
	assert.Nil(t, first.Artifact, "raw artifacts are dropped")
	assert.Equal(t, Digest([]byte("prog")), first.ArtifactDigest)

	requests, err := s.ReadRequests(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, requests, 2)
	assert.Equal(t, "alice", requests[0].Identity)
	assert.Equal(t, first.ArtifactDigest, requests[0].ArtifactDigest)
	require.NotNil(t, requests[1].Slot)
	assert.Equal(t, 0, *requests[1].Slot)

	run, err := s.ReadRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "success", run.Outcome)
	require.NotNil(t, run.FinishedSeq)
	assert.Greater(t, *run.FinishedSeq, second.Seq)
}

func TestRecorderConcurrentRecords(t *testing.T) {
	s := openStore(t)
	r := NewRecorder(s)
	r.BeginRun("run-1", "policy", "mock")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Record(Entry{RunID: "run-1", Identity: "p", Op: "fetch_result", Outcome: "pending"})
		}(i)
	}
	wg.Wait()
	require.NoError(t, r.Close())

	entries := r.Entries()
	require.Len(t, entries, 20)
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Seq, entries[i].Seq)
	}

	requests, err := s.ReadRequests(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, requests, 20)
}

func TestRecorderWithoutSink(t *testing.T) {
	r := NewRecorder(nil, WithClock(NewClockAt(100)))
	e := r.Record(Entry{RunID: "r", Identity: "x", Op: "hello", Outcome: "ack"})
	require.NoError(t, r.Close())
	assert.Equal(t, int64(101), e.Seq)
	assert.Len(t, r.Entries(), 1)
}

type failingSink struct{}

func (failingSink) WriteRun(context.Context, store.Run) error { return nil }
func (failingSink) WriteRequest(context.Context, store.Request) error {
	return errors.New("disk full")
}
func (failingSink) FinishRun(context.Context, string, int64, string) error { return nil }

func TestRecorderReportsWriteError(t *testing.T) {
	r := NewRecorder(failingSink{})
	r.Record(Entry{RunID: "r", Identity: "x", Op: "hello", Outcome: "ack"})
	err := r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// Close is idempotent.
	assert.Equal(t, err, r.Close())
}

func TestDigestIsBLAKE3(t *testing.T) {
	// BLAKE3 of the empty input.
	assert.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", Digest(nil))
}
