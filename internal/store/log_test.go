package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteRun(ctx, createTestRun("run-1", 1)))

	run, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "mock", run.Platform)
	assert.Nil(t, run.FinishedSeq)

	_, err = s.ReadRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteRunIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteRun(ctx, createTestRun("run-1", 1)))
	dup := createTestRun("run-1", 99)
	require.NoError(t, s.WriteRun(ctx, dup))

	run, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.StartedSeq, "first write wins")
}

func TestFinishRunOnlyOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteRun(ctx, createTestRun("run-1", 1)))

	require.NoError(t, s.FinishRun(ctx, "run-1", 10, "success"))
	require.NoError(t, s.FinishRun(ctx, "run-1", 20, "failure"))

	run, err := s.ReadRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run.FinishedSeq)
	assert.Equal(t, int64(10), *run.FinishedSeq)
	assert.Equal(t, "success", run.Outcome)

	assert.ErrorIs(t, s.FinishRun(ctx, "missing", 1, "x"), ErrNotFound)
}

func TestReadRequestsOrderedBySeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.WriteRun(ctx, createTestRun("run-1", 1)))

	// Written out of order on purpose.
	for _, req := range []Request{
		{Seq: 4, RunID: "run-1", Identity: "carol", Op: "fetch_result", Outcome: "result"},
		{Seq: 2, RunID: "run-1", Identity: "alice", Op: "submit_program", Outcome: "ack", ArtifactDigest: "abc"},
		{Seq: 3, RunID: "run-1", Identity: "bob", Op: "submit_data", Slot: intPtr(0), Outcome: "rejected", Code: "out_of_order", Reason: "program absent"},
	} {
		require.NoError(t, s.WriteRequest(ctx, req))
	}

	requests, err := s.ReadRequests(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, requests, 3)
	assert.Equal(t, []int64{2, 3, 4}, []int64{requests[0].Seq, requests[1].Seq, requests[2].Seq})
	assert.Nil(t, requests[0].Slot)
	require.NotNil(t, requests[1].Slot)
	assert.Equal(t, 0, *requests[1].Slot)
	assert.Equal(t, "out_of_order", requests[1].Code)
	assert.Equal(t, "abc", requests[0].ArtifactDigest)
}

func TestReadRequestsEmpty(t *testing.T) {
	s := createTestStore(t)

	requests, err := s.ReadRequests(context.Background(), "nothing")
	require.NoError(t, err)
	assert.NotNil(t, requests)
	assert.Empty(t, requests)
}

func TestWriteRequestRequiresRun(t *testing.T) {
	s := createTestStore(t)

	err := s.WriteRequest(context.Background(), Request{Seq: 1, RunID: "ghost", Identity: "x", Op: "hello", Outcome: "ack"})
	assert.Error(t, err, "foreign key must reject requests for unknown runs")
}

func TestReadRunsAndLatestSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seq, err := s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, s.WriteRun(ctx, createTestRun("b", 5)))
	require.NoError(t, s.WriteRun(ctx, createTestRun("a", 1)))
	require.NoError(t, s.WriteRequest(ctx, Request{Seq: 7, RunID: "b", Identity: "x", Op: "hello", Outcome: "ack"}))
	require.NoError(t, s.FinishRun(ctx, "b", 8, "success"))

	runs, err := s.ReadRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	seq, err = s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), seq)
}
