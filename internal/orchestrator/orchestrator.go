package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/conclave/internal/audit"
	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/protocol"
	"github.com/roach88/conclave/internal/session"
)

const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultFetchTimeout = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultExecutionTimeout bounds one program run in an owned
	// deployment.
	DefaultExecutionTimeout = time.Minute

	shutdownTimeout = 5 * time.Second
	tracerName      = "github.com/roach88/conclave/internal/orchestrator"
)

// IDGenerator produces run IDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 run IDs. It is
// stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Orchestrator runs plans. The zero value is usable: each run gets its
// own local gateway and endpoint with a WASM executor.
type Orchestrator struct {
	// Deployment is the gateway and endpoint to run against. When nil,
	// each run starts and owns a Local deployment.
	Deployment Deployment

	// Executor, RuntimeImage, Recorder and ExecutionTimeout configure
	// owned local deployments.
	Executor         executor.Executor
	RuntimeImage     []byte
	Recorder         *audit.Recorder
	ExecutionTimeout time.Duration

	Logger *slog.Logger
	Hooks  Hooks
	RunIDs IDGenerator

	ReadyTimeout time.Duration
	DialTimeout  time.Duration

	// FetchTimeout bounds how long a retriever polls a pending result.
	FetchTimeout time.Duration
	PollInterval time.Duration
}

// run is the state of one Run call.
type run struct {
	o        *Orchestrator
	plan     *Plan
	id       string
	logger   *slog.Logger
	tracer   trace.Tracer
	log      *eventLog
	sessions map[string]*session.Session
}

// Run executes plan and reports its outcome. The report is returned
// even when the run fails; it holds the steps completed before the
// failure.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*Report, error) {
	r := &run{
		o:        o,
		plan:     plan,
		id:       o.runIDs().Generate(),
		tracer:   otel.Tracer(tracerName),
		log:      newEventLog(),
		sessions: make(map[string]*session.Session),
	}
	r.logger = o.logger().With("run_id", r.id)

	ctx, span := r.tracer.Start(ctx, "conclave.run", trace.WithAttributes(attribute.String("conclave.run_id", r.id)))
	defer span.End()

	err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("run failed", "error", err)
	} else {
		r.logger.Info("run completed", "results", len(plan.Retrievers))
	}
	return r.log.report(r.id), err
}

func (r *run) execute(ctx context.Context) (err error) {
	if err := r.plan.Validate(); err != nil {
		return &PhaseError{Phase: PhaseConfig, Err: err}
	}
	if missing := r.plan.UnassignedSlots(); len(missing) > 0 && len(r.plan.Retrievers) > 0 {
		r.logger.Warn("plan leaves data slots unassigned, results stay pending until they are provided", "slots", missing)
	}

	dep := r.o.Deployment
	if dep == nil {
		local, err := StartLocal(ctx, LocalConfig{
			Policy:           r.plan.Policy,
			Platform:         r.plan.Platform,
			RuntimeImage:     r.o.RuntimeImage,
			Executor:         r.o.Executor,
			ExecutionTimeout: r.o.ExecutionTimeout,
			Recorder:         r.o.Recorder,
			RunID:            r.id,
			Logger:           r.logger,
		})
		if err != nil {
			return &PhaseError{Phase: PhaseBootstrap, Err: err}
		}
		defer func() {
			if closeErr := local.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("endpoint: %w", closeErr))
			}
		}()
		dep = local
	}

	if err := r.phase(ctx, PhaseBootstrap, func(ctx context.Context) error {
		return r.awaitReady(ctx, dep)
	}); err != nil {
		return &PhaseError{Phase: PhaseBootstrap, Err: err}
	}

	defer r.closeSessions()
	if err := r.phase(ctx, PhaseConnect, func(ctx context.Context) error {
		return r.connect(ctx, dep)
	}); err != nil {
		r.abort()
		return err
	}

	var body func(context.Context) error
	switch r.plan.Schedule {
	case ScheduleParallel:
		body = r.parallel
	default:
		body = r.phased
	}
	if err := body(ctx); err != nil {
		r.abort()
		return err
	}

	return r.phase(ctx, PhaseShutdown, r.shutdown)
}

// phase runs fn inside a span named after p.
func (r *run) phase(ctx context.Context, p Phase, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "conclave."+string(p))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *run) awaitReady(ctx context.Context, dep Deployment) error {
	timeout := r.o.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-dep.Ready():
		r.logger.Debug("endpoint ready")
		return nil
	case <-dep.Failed():
		return dep.Err()
	case <-timer.C:
		return fmt.Errorf("%w: endpoint not ready after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect dials every participant concurrently. The first failure
// cancels the others.
func (r *run) connect(ctx context.Context, dep Deployment) error {
	dialTimeout := r.o.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.plan.Participants {
		g.Go(func() error {
			step := Step{Phase: PhaseConnect, Identity: p.Identity, Slot: -1}
			if err := r.o.Hooks.before(gctx, step); err != nil {
				return r.failed(step, err)
			}
			s, err := session.Dial(gctx, session.Config{
				Policy:      r.plan.Policy,
				Platform:    r.plan.Platform,
				Identity:    p.Identity,
				Credential:  p.Credential,
				Gateway:     dep.Gateway(),
				DialTimeout: dialTimeout,
				Logger:      r.logger,
			})
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && gctx.Err() == nil {
					err = fmt.Errorf("%w: %q not connected after %s: %w", ErrTimeout, p.Identity, dialTimeout, err)
				}
				return r.failed(step, err)
			}
			mu.Lock()
			r.sessions[p.Identity] = s
			mu.Unlock()
			r.succeeded(step, "")
			return nil
		})
	}
	return g.Wait()
}

// phased runs the sequential and concurrent-data schedules: program,
// then data, then results, each phase a hard barrier for the next.
func (r *run) phased(ctx context.Context) error {
	if err := r.probes(ctx, PhaseProgram); err != nil {
		return err
	}
	if err := r.phase(ctx, PhaseProgram, r.sendProgram); err != nil {
		return err
	}

	if err := r.probes(ctx, PhaseData); err != nil {
		return err
	}
	sendData := r.sendDataSequential
	if r.plan.Schedule == ScheduleConcurrentData {
		sendData = r.sendDataConcurrent
	}
	if err := r.phase(ctx, PhaseData, sendData); err != nil {
		return err
	}

	if err := r.probes(ctx, PhaseResult); err != nil {
		return err
	}
	return r.phase(ctx, PhaseResult, r.fetchAll)
}

// parallel runs one task per participant. Data tasks wait for the
// program-sent signal; retrievers wait for the data-sent signal.
func (r *run) parallel(ctx context.Context) error {
	programSent := make(chan struct{})
	dataSent := make(chan struct{})

	var remaining sync.WaitGroup
	remaining.Add(len(r.plan.Data))
	go func() {
		remaining.Wait()
		close(dataSent)
	}()
	// Unblocks the signal goroutine if the run fails before all data is
	// sent.
	var unsent sync.Once
	drain := func(n int) {
		unsent.Do(func() {
			for i := 0; i < n; i++ {
				remaining.Done()
			}
		})
	}

	if err := r.probes(ctx, PhaseProgram); err != nil {
		drain(len(r.plan.Data))
		return err
	}

	data := make(map[string][]DataAssignment)
	for _, d := range r.plan.Data {
		data[d.Identity] = append(data[d.Identity], d)
	}
	retrievers := make(map[string]bool, len(r.plan.Retrievers))
	for _, id := range r.plan.Retrievers {
		retrievers[id] = true
	}

	var sentMu sync.Mutex
	sent := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range r.plan.Participants {
		identity := p.Identity
		g.Go(func() error {
			if identity == r.plan.Program.Identity {
				if err := r.sendProgram(gctx); err != nil {
					return err
				}
				close(programSent)
			}

			if own := data[identity]; len(own) > 0 {
				if err := wait(gctx, programSent); err != nil {
					return err
				}
				for _, d := range own {
					if err := r.sendData(gctx, d); err != nil {
						return err
					}
					sentMu.Lock()
					sent++
					sentMu.Unlock()
					remaining.Done()
				}
			}

			if retrievers[identity] {
				if err := wait(gctx, dataSent); err != nil {
					return err
				}
				return r.fetch(gctx, identity)
			}
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		sentMu.Lock()
		drain(len(r.plan.Data) - sent)
		sentMu.Unlock()
	}
	return err
}

func wait(ctx context.Context, signal <-chan struct{}) error {
	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) probes(ctx context.Context, before Phase) error {
	for _, pr := range r.plan.Probes {
		if pr.Before != before {
			continue
		}
		if err := r.probe(ctx, pr); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) probe(ctx context.Context, pr Probe) error {
	step := Step{Phase: PhaseProbe, Identity: pr.Identity, Slot: -1}
	if pr.Op == protocol.OpSubmitData {
		step.Slot = pr.Slot
	}
	if err := r.o.Hooks.before(ctx, step); err != nil {
		return r.failed(step, err)
	}
	resp, err := r.sessions[pr.Identity].Send(ctx, protocol.Request{Op: pr.Op, Slot: pr.Slot, Payload: pr.Artifact})
	if err != nil {
		return r.failed(step, err)
	}
	if resp.Outcome != protocol.OutcomeRejected || resp.Code != pr.Expect {
		got := string(resp.Outcome)
		if resp.Code != "" {
			got += " (" + string(resp.Code) + ")"
		}
		return r.failed(step, fmt.Errorf("%w: %s expected rejection %s, got %s", ErrProbe, pr.Op, pr.Expect, got))
	}
	r.log.add(Event{
		Phase:    PhaseProbe,
		Identity: pr.Identity,
		Slot:     step.Slot,
		Outcome:  OutcomeRejected,
		Code:     string(resp.Code),
		Detail:   string(pr.Op),
	})
	return nil
}

func (r *run) sendProgram(ctx context.Context) error {
	a := r.plan.Program
	step := Step{Phase: PhaseProgram, Identity: a.Identity, Slot: -1}
	if err := r.o.Hooks.before(ctx, step); err != nil {
		return r.failed(step, err)
	}
	if err := r.sessions[a.Identity].SendProgram(ctx, a.Artifact); err != nil {
		return r.failed(step, err)
	}
	r.succeeded(step, audit.Digest(a.Artifact))
	return nil
}

func (r *run) sendData(ctx context.Context, d DataAssignment) error {
	step := Step{Phase: PhaseData, Identity: d.Identity, Slot: d.Slot}
	if err := r.o.Hooks.before(ctx, step); err != nil {
		return r.failed(step, err)
	}
	if err := r.sessions[d.Identity].SendData(ctx, d.Slot, d.Artifact); err != nil {
		return r.failed(step, err)
	}
	r.succeeded(step, audit.Digest(d.Artifact))
	return nil
}

func (r *run) sendDataSequential(ctx context.Context) error {
	for _, d := range r.plan.Data {
		if err := r.sendData(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// sendDataConcurrent runs one task per data provider. A provider's own
// slots go out in plan order over its single session.
func (r *run) sendDataConcurrent(ctx context.Context) error {
	var order []string
	byIdentity := make(map[string][]DataAssignment)
	for _, d := range r.plan.Data {
		if _, seen := byIdentity[d.Identity]; !seen {
			order = append(order, d.Identity)
		}
		byIdentity[d.Identity] = append(byIdentity[d.Identity], d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, identity := range order {
		assignments := byIdentity[identity]
		g.Go(func() error {
			for _, d := range assignments {
				if err := r.sendData(gctx, d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *run) fetchAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, identity := range r.plan.Retrievers {
		g.Go(func() error {
			return r.fetch(gctx, identity)
		})
	}
	return g.Wait()
}

// fetch polls for the result while it is pending, paced by a rate
// limiter and bounded by FetchTimeout.
func (r *run) fetch(ctx context.Context, identity string) error {
	step := Step{Phase: PhaseResult, Identity: identity, Slot: -1}
	if err := r.o.Hooks.before(ctx, step); err != nil {
		return r.failed(step, err)
	}

	timeout := r.o.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	interval := r.o.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	s := r.sessions[identity]
	polls := 0
	for {
		if err := limiter.Wait(fctx); err != nil {
			if ctx.Err() != nil {
				return r.failed(step, ctx.Err())
			}
			return r.failed(step, fmt.Errorf("%w: result still pending after %s (%d polls)", ErrTimeout, timeout, polls))
		}
		polls++
		result, err := s.FetchResult(fctx)
		switch {
		case err == nil:
			r.log.result(identity, result)
			r.succeeded(step, audit.Digest(result))
			r.logger.Debug("result fetched", "identity", identity, "polls", polls)
			return nil
		case errors.Is(err, session.ErrPending):
			continue
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return r.failed(step, fmt.Errorf("%w: result still pending after %s (%d polls)", ErrTimeout, timeout, polls))
		default:
			return r.failed(step, err)
		}
	}
}

// shutdown asks the endpoint to stop through the designated
// participant's session.
func (r *run) shutdown(ctx context.Context) error {
	identity := r.plan.shutdownIdentity()
	step := Step{Phase: PhaseShutdown, Identity: identity, Slot: -1}
	if err := r.o.Hooks.before(ctx, step); err != nil {
		r.abort()
		return r.failed(step, err)
	}
	if err := r.sessions[identity].RequestShutdown(ctx); err != nil {
		r.abort()
		return r.failed(step, err)
	}
	r.succeeded(step, "")
	return nil
}

// abort makes a best effort to stop the endpoint after a failure,
// through any session still open.
func (r *run) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, p := range r.plan.Participants {
		s, ok := r.sessions[p.Identity]
		if !ok {
			continue
		}
		if err := s.RequestShutdown(ctx); err == nil {
			r.logger.Info("endpoint shutdown requested after failure", "identity", p.Identity)
			return
		}
	}
}

func (r *run) closeSessions() {
	for _, s := range r.sessions {
		s.Close()
	}
}

func (r *run) succeeded(step Step, detail string) {
	r.log.add(Event{Phase: step.Phase, Identity: step.Identity, Slot: step.Slot, Outcome: OutcomeOK, Detail: detail})
}

// failed records the failure of step and wraps err in a *PhaseError.
func (r *run) failed(step Step, err error) error {
	pe := &PhaseError{Participant: step.Identity, Phase: step.Phase, Err: err}
	// Steps cancelled because another task failed are not outcomes.
	if errors.Is(err, context.Canceled) {
		return pe
	}
	e := Event{Phase: step.Phase, Identity: step.Identity, Slot: step.Slot, Outcome: OutcomeFailed, Detail: err.Error()}
	var rejected *session.RejectedError
	if errors.As(err, &rejected) {
		e.Outcome = OutcomeRejected
		e.Code = string(rejected.Code)
		e.Detail = string(rejected.Op)
	}
	r.log.add(e)
	return pe
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

func (o *Orchestrator) runIDs() IDGenerator {
	if o.RunIDs == nil {
		return UUIDv7Generator{}
	}
	return o.RunIDs
}
