// Package audit records every decision a compute endpoint makes.
//
// Connection handlers call Record from any goroutine; a single writer
// goroutine drains the entries into the store in seq order. Recording
// never blocks on the database and never fails the request being
// recorded: a write error is kept and reported by Close.
package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/roach88/conclave/internal/store"
)

// Sink persists audit records. *store.Store implements it.
type Sink interface {
	WriteRun(ctx context.Context, run store.Run) error
	WriteRequest(ctx context.Context, req store.Request) error
	FinishRun(ctx context.Context, runID string, finishedSeq int64, outcome string) error
}

// Entry is one recorded request decision.
type Entry struct {
	Seq      int64
	RunID    string
	Identity string
	Op       string
	Slot     *int
	Outcome  string
	Code     string
	Reason   string

	// Artifact is hashed into ArtifactDigest and then dropped.
	Artifact       []byte
	ArtifactDigest string
}

// Digest returns the hex BLAKE3-256 digest of an artifact.
func Digest(artifact []byte) string {
	sum := blake3.Sum256(artifact)
	return hex.EncodeToString(sum[:])
}

// Recorder is the single-writer audit log.
type Recorder struct {
	sink   Sink
	clock  Sequencer
	queue  *eventQueue
	logger *slog.Logger

	mu      sync.Mutex
	entries []Entry
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the logical clock. Defaults to a clock at 0.
func WithClock(c Sequencer) Option {
	return func(r *Recorder) { r.clock = c }
}

// WithLogger sets the logger write failures are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder starts a recorder writing to sink. A nil sink keeps
// entries in memory only. Close must be called to stop the writer.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:  sink,
		clock: NewClock(),
		queue: newEventQueue(),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	go r.run()
	return r
}

// Clock returns the recorder's logical clock.
func (r *Recorder) Clock() Sequencer {
	return r.clock
}

// BeginRun records the start of a run and returns its starting seq.
func (r *Recorder) BeginRun(runID, policyHash, platform string) int64 {
	seq := r.clock.Next()
	r.queue.Enqueue(event{kind: eventRunStarted, run: store.Run{
		ID:         runID,
		PolicyHash: policyHash,
		Platform:   platform,
		StartedSeq: seq,
	}})
	return seq
}

// FinishRun records the end of a run.
func (r *Recorder) FinishRun(runID, outcome string) {
	seq := r.clock.Next()
	r.queue.Enqueue(event{kind: eventRunFinished, run: store.Run{
		ID:          runID,
		FinishedSeq: &seq,
		Outcome:     outcome,
	}})
}

// Record stamps e with the next seq, replaces its artifact by a digest,
// and queues it for writing. The stamped entry is returned.
func (r *Recorder) Record(e Entry) Entry {
	if e.Artifact != nil {
		e.ArtifactDigest = Digest(e.Artifact)
		e.Artifact = nil
	}

	// Seq assignment and the in-memory append happen under one lock so
	// Entries is always in seq order.
	r.mu.Lock()
	e.Seq = r.clock.Next()
	r.entries = append(r.entries, e)
	r.mu.Unlock()

	r.queue.Enqueue(event{kind: eventRequest, request: store.Request{
		Seq:            e.Seq,
		RunID:          e.RunID,
		Identity:       e.Identity,
		Op:             e.Op,
		Slot:           e.Slot,
		Outcome:        e.Outcome,
		Code:           e.Code,
		Reason:         e.Reason,
		ArtifactDigest: e.ArtifactDigest,
	}})
	return e
}

// Entries returns a snapshot of every entry recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Close stops accepting entries, waits until every queued entry is
// written, and returns the first write error.
func (r *Recorder) Close() error {
	r.closeOnce.Do(r.queue.Close)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// run is the single writer.
func (r *Recorder) run() {
	defer close(r.done)
	ctx := context.Background()

	for {
		for {
			e, ok := r.queue.TryDequeue()
			if !ok {
				break
			}
			r.write(ctx, e)
		}
		if r.queue.Drained() {
			return
		}
		<-r.queue.Wait()
	}
}

func (r *Recorder) write(ctx context.Context, e event) {
	if r.sink == nil {
		return
	}

	var err error
	switch e.kind {
	case eventRunStarted:
		err = r.sink.WriteRun(ctx, e.run)
	case eventRequest:
		err = r.sink.WriteRequest(ctx, e.request)
	case eventRunFinished:
		err = r.sink.FinishRun(ctx, e.run.ID, *e.run.FinishedSeq, e.run.Outcome)
	default:
		err = errors.New("unknown audit event")
	}
	if err != nil {
		r.logger.Error("audit write failed", "error", err)
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
}
