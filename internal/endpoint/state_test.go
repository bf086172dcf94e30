package endpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/protocol"
)

func newState(t *testing.T, f *fixture, exec executor.Executor) *State {
	t.Helper()
	s, err := NewState(f.doc, exec)
	require.NoError(t, err)
	return s
}

func assertRejected(t *testing.T, err error, code protocol.Code) {
	t.Helper()
	require.Error(t, err)
	var r *Rejection
	require.ErrorAs(t, err, &r, "want rejection %s, got %v", code, err)
	assert.Equal(t, code, r.Code, r.Reason)
}

// =============================================================================
// Program slot
// =============================================================================

func TestSubmitProgramWriteOnce(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})

	require.NoError(t, s.SubmitProgram("alice", []byte("prog")))
	assertRejected(t, s.SubmitProgram("alice", []byte("prog")), protocol.CodeAlreadyProvisioned)
}

func TestSubmitProgramRequiresRole(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})

	err := s.SubmitProgram("bob", []byte("prog"))
	assertRejected(t, err, protocol.CodeNotAuthorized)
	assert.Contains(t, err.Error(), "lacks the program role")

	assertRejected(t, s.SubmitProgram("mallory", []byte("prog")), protocol.CodeNotAuthorized)
}

func TestSubmitProgramHashCheck(t *testing.T) {
	f := threeParty(t)
	sum := sha256.Sum256([]byte("the real program"))
	f.doc.ProgramHash = hex.EncodeToString(sum[:])
	s := newState(t, f, &countingExecutor{})

	assertRejected(t, s.SubmitProgram("alice", []byte("an impostor")), protocol.CodeHashMismatch)
	require.NoError(t, s.SubmitProgram("alice", []byte("the real program")))
}

// =============================================================================
// Data slots
// =============================================================================

func TestSubmitDataRules(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})

	assertRejected(t, s.SubmitData("bob", 0, []byte("b")), protocol.CodeOutOfOrder)

	require.NoError(t, s.SubmitProgram("alice", []byte("p")))

	assertRejected(t, s.SubmitData("alice", 0, []byte("x")), protocol.CodeNotAuthorized)
	assertRejected(t, s.SubmitData("carol", 0, []byte("x")), protocol.CodeNotAuthorized)
	assertRejected(t, s.SubmitData("bob", 1, []byte("x")), protocol.CodeNotAuthorized)
	assertRejected(t, s.SubmitData("bob", 2, []byte("x")), protocol.CodeUnknownSlot)
	assertRejected(t, s.SubmitData("bob", -1, []byte("x")), protocol.CodeUnknownSlot)

	require.NoError(t, s.SubmitData("bob", 0, []byte("b")))
	assertRejected(t, s.SubmitData("bob", 0, []byte("b2")), protocol.CodeAlreadyProvisioned)
}

func TestForeignSlotRejectionNamesOwner(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})
	require.NoError(t, s.SubmitProgram("alice", []byte("p")))

	err := s.SubmitData("bob", 1, []byte("x"))
	assertRejected(t, err, protocol.CodeNotAuthorized)
	assert.Contains(t, err.Error(), `slot 1 is not owned by "bob" but by "dave"`)
}

func TestRejectedOutOfOrderDataCanBeResubmitted(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})

	assertRejected(t, s.SubmitData("bob", 0, []byte("b")), protocol.CodeOutOfOrder)
	require.NoError(t, s.SubmitProgram("alice", []byte("p")))
	require.NoError(t, s.SubmitData("bob", 0, []byte("b")))
}

func TestConcurrentSlotWritesOnlyOneWins(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})
	require.NoError(t, s.SubmitProgram("alice", []byte("p")))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.SubmitData("bob", 0, []byte("b"))
		}()
	}
	wg.Wait()
	close(results)

	var acks int
	for err := range results {
		if err == nil {
			acks++
			continue
		}
		assertRejected(t, err, protocol.CodeAlreadyProvisioned)
	}
	assert.Equal(t, 1, acks)
}

// =============================================================================
// Result
// =============================================================================

func TestFetchResultPendingThenCached(t *testing.T) {
	exec := &countingExecutor{}
	s := newState(t, threeParty(t), exec)
	ctx := context.Background()

	_, err := s.FetchResult(ctx, "carol")
	assert.ErrorIs(t, err, ErrPending)

	require.NoError(t, s.SubmitProgram("alice", []byte("p")))
	require.NoError(t, s.SubmitData("dave", 1, []byte("d")))
	_, err = s.FetchResult(ctx, "carol")
	assert.ErrorIs(t, err, ErrPending)
	assert.False(t, s.Executed())

	require.NoError(t, s.SubmitData("bob", 0, []byte("b")))
	first, err := s.FetchResult(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "p+b+d", string(first))
	assert.True(t, s.Executed())

	again, err := s.FetchResult(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestFetchResultRequiresRole(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})
	_, err := s.FetchResult(context.Background(), "alice")
	assertRejected(t, err, protocol.CodeNotAuthorized)
}

func TestFetchResultConcurrentFetchersShareOneExecution(t *testing.T) {
	f := newFixture(t,
		member{identity: "p", roles: []roleT{"program", "result"}},
		member{identity: "r", roles: []roleT{"result"}},
	)
	release := make(chan struct{})
	var calls int32
	var mu sync.Mutex
	exec := executor.Func(func(ctx context.Context, program []byte, _ [][]byte) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return []byte("done"), nil
	})
	s := newState(t, f, exec)
	require.NoError(t, s.SubmitProgram("p", []byte("prog")))

	var wg sync.WaitGroup
	out := make(chan string, 6)
	for i := 0; i < 6; i++ {
		identity := "p"
		if i%2 == 1 {
			identity = "r"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.FetchResult(context.Background(), identity)
			if err != nil {
				out <- "error: " + err.Error()
				return
			}
			out <- string(res)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(out)

	for res := range out {
		assert.Equal(t, "done", res)
	}
	assert.Equal(t, int32(1), calls)
}

func TestFetchResultCachesExecutionFailure(t *testing.T) {
	f := newFixture(t, member{identity: "solo", roles: []roleT{"program", "result"}})
	var calls int
	exec := executor.Func(func(context.Context, []byte, [][]byte) ([]byte, error) {
		calls++
		return nil, errors.New("guest trapped")
	})
	s := newState(t, f, exec)
	require.NoError(t, s.SubmitProgram("solo", []byte("prog")))

	for i := 0; i < 2; i++ {
		_, err := s.FetchResult(context.Background(), "solo")
		assertRejected(t, err, protocol.CodeExecutionFailed)
		assert.Contains(t, err.Error(), "guest trapped")
	}
	assert.Equal(t, 1, calls)
}

func TestFetchResultRecoversExecutorPanic(t *testing.T) {
	f := newFixture(t, member{identity: "solo", roles: []roleT{"program", "result"}})
	s := newState(t, f, executor.Func(func(context.Context, []byte, [][]byte) ([]byte, error) {
		panic("boom")
	}))
	require.NoError(t, s.SubmitProgram("solo", []byte("prog")))

	_, err := s.FetchResult(context.Background(), "solo")
	assertRejected(t, err, protocol.CodeExecutionFailed)
	assert.Contains(t, err.Error(), "panicked")
}

func TestFetchResultWaiterHonoursContext(t *testing.T) {
	f := newFixture(t, member{identity: "solo", roles: []roleT{"program", "result"}})
	release := make(chan struct{})
	s := newState(t, f, executor.Func(func(context.Context, []byte, [][]byte) ([]byte, error) {
		<-release
		return []byte("late"), nil
	}))
	require.NoError(t, s.SubmitProgram("solo", []byte("prog")))

	go s.FetchResult(context.Background(), "solo")
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exec != nil
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.FetchResult(ctx, "solo")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	res, err := s.FetchResult(context.Background(), "solo")
	require.NoError(t, err)
	assert.Equal(t, "late", string(res))
}

func TestCloseAbortsRunningExecution(t *testing.T) {
	f := newFixture(t, member{identity: "solo", roles: []roleT{"program", "result"}})
	s := newState(t, f, executor.Func(func(ctx context.Context, _ []byte, _ [][]byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, s.SubmitProgram("solo", []byte("prog")))

	errc := make(chan error, 1)
	go func() {
		_, err := s.FetchResult(context.Background(), "solo")
		errc <- err
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exec != nil
	}, time.Second, time.Millisecond)

	s.Close()
	s.Close()

	select {
	case err := <-errc:
		assertRejected(t, err, protocol.CodeExecutionFailed)
		assert.Contains(t, err.Error(), "context canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("execution not aborted by Close")
	}
	assert.True(t, s.Executed())
}

// =============================================================================
// Hello and shutdown
// =============================================================================

func TestHelloPolicyMismatchLocksOut(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})

	require.NoError(t, s.Hello("alice", s.PolicyHash()))
	assertRejected(t, s.Hello("bob", "0000"), protocol.CodePolicyMismatch)

	// Even the right hash no longer helps, and every other op is refused.
	assertRejected(t, s.Hello("bob", s.PolicyHash()), protocol.CodePolicyMismatch)
	require.NoError(t, s.SubmitProgram("alice", []byte("p")))
	assertRejected(t, s.SubmitData("bob", 0, []byte("b")), protocol.CodeNotAuthorized)

	assertRejected(t, s.Hello("mallory", s.PolicyHash()), protocol.CodeNotAuthorized)
}

func TestRequestShutdownIdempotent(t *testing.T) {
	s := newState(t, threeParty(t), &countingExecutor{})

	first, err := s.RequestShutdown("carol")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.RequestShutdown("bob")
	require.NoError(t, err)
	assert.False(t, again)

	select {
	case <-s.ShuttingDown():
	default:
		t.Fatal("shutdown latch not closed")
	}

	_, err = s.RequestShutdown("mallory")
	assertRejected(t, err, protocol.CodeNotAuthorized)
}

func TestIdentify(t *testing.T) {
	f := threeParty(t)
	s := newState(t, f, &countingExecutor{})

	identity, ok := s.Identify(f.creds["dave"].Fingerprint())
	require.True(t, ok)
	assert.Equal(t, "dave", identity)

	_, ok = s.Identify("ffff")
	assert.False(t, ok)
}

func TestNewStateRequiresExecutor(t *testing.T) {
	_, err := NewState(threeParty(t).doc, nil)
	assert.Error(t, err)
}
