package harness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/conclave/internal/attestation"
	"github.com/roach88/conclave/internal/audit"
	"github.com/roach88/conclave/internal/endpoint"
	"github.com/roach88/conclave/internal/orchestrator"
	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
	"github.com/roach88/conclave/internal/session"
	"github.com/roach88/conclave/internal/store"
	"github.com/roach88/conclave/internal/testutil"
)

// DefaultRunID is the run ID of scenarios that do not set one.
const DefaultRunID = "test-run-default"

// Options tunes a harness run.
type Options struct {
	// Logger receives orchestrator and endpoint logs. Discarded when nil.
	Logger *slog.Logger
}

// Run executes a scenario with default options.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, Options{})
}

// RunContext executes a scenario and returns the result.
//
// Each scenario runs against its own gateway and endpoint, with a
// deterministic executor, a deterministic audit clock and a fresh
// in-memory store. The returned error reports harness failures; a run
// that does not match the scenario yields a failing Result instead.
func RunContext(ctx context.Context, scenario *Scenario, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	plan, err := buildPlan(scenario)
	if err != nil {
		return nil, err
	}

	runID := scenario.RunID
	if runID == "" {
		runID = DefaultRunID
	}
	recorder := audit.NewRecorder(st,
		audit.WithClock(testutil.NewDeterministicClock()),
		audit.WithLogger(logger),
	)
	o := &orchestrator.Orchestrator{
		Executor: testutil.NewExecutor(),
		Recorder: recorder,
		Logger:   logger,
		RunIDs:   testutil.NewFixedRunIDs(runID),
	}
	if scenario.FetchTimeout != "" {
		o.FetchTimeout, _ = time.ParseDuration(scenario.FetchTimeout)
	}

	report, runErr := o.Run(ctx, plan)
	if err := recorder.Close(); err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}

	result := NewResult()
	result.RunID = report.RunID
	result.Events = report.Events
	for _, e := range recorder.Entries() {
		result.Trace = append(result.Trace, TraceEvent{
			Seq:      e.Seq,
			Identity: e.Identity,
			Op:       e.Op,
			Slot:     e.Slot,
			Outcome:  e.Outcome,
			Code:     e.Code,
		})
	}
	for identity, raw := range report.Results {
		var v any
		if err := session.DecodeResult(raw, &v); err != nil {
			result.AddError(fmt.Sprintf("result of %s: %v", identity, err))
			continue
		}
		result.Results[identity] = v
	}
	if runErr != nil {
		result.RunError = runErr.Error()
	}

	checkExpectation(scenario.Expect, runErr, result)

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	logger.Info("scenario completed",
		"scenario", scenario.Name,
		"run_id", result.RunID,
		"pass", result.Pass,
		"requests", len(result.Trace),
	)
	return result, nil
}

// buildPlan mints a credential per policy participant, completes the
// policy template and turns the scenario's steps into a plan.
func buildPlan(s *Scenario) (*orchestrator.Plan, error) {
	platform := s.Platform
	if platform == "" {
		platform = policy.PlatformMock
	}
	measurement, err := attestation.MeasureRuntime(platform, endpoint.DefaultRuntimeImage)
	if err != nil {
		return nil, err
	}

	program, err := artifact(s.Program.Artifact, s.Program.File)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}

	doc := &policy.Document{
		AttestationEndpoint: "127.0.0.1:7100",
		EndpointAddress:     "127.0.0.1:0",
		RuntimeHashes:       map[policy.Platform]string{platform: measurement},
		ExecutionStrategy:   s.Policy.ExecutionStrategy,
		ProgramHash:         s.Policy.ProgramHash,
	}
	if doc.ProgramHash == ProgramHashAuto {
		sum := sha256.Sum256(program)
		doc.ProgramHash = hex.EncodeToString(sum[:])
	}

	creds := make(map[string]*pki.Credential, len(s.Policy.Participants))
	for _, p := range s.Policy.Participants {
		cred, err := pki.Generate(p.Identity, pki.Options{})
		if err != nil {
			return nil, fmt.Errorf("credential for %s: %w", p.Identity, err)
		}
		creds[policy.NormalizeIdentity(p.Identity)] = cred
		doc.Participants = append(doc.Participants, policy.Participant{
			Identity:        p.Identity,
			Roles:           p.Roles,
			CertFingerprint: cred.Fingerprint(),
			DataSlots:       p.DataSlots,
		})
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	plan := &orchestrator.Plan{
		Policy:     doc,
		Platform:   platform,
		Schedule:   s.Schedule,
		Program:    orchestrator.Assignment{Identity: s.Program.Identity, Artifact: program},
		Retrievers: append([]string(nil), s.Retrievers...),
	}

	connect := s.Connect
	if len(connect) == 0 {
		for _, p := range s.Policy.Participants {
			connect = append(connect, p.Identity)
		}
	}
	for _, identity := range connect {
		cred, ok := creds[policy.NormalizeIdentity(identity)]
		if !ok {
			return nil, fmt.Errorf("connect: %q is not a policy participant", identity)
		}
		plan.Participants = append(plan.Participants, orchestrator.Participant{Identity: identity, Credential: cred})
	}

	for i, d := range s.Data {
		data, err := artifact(d.Artifact, d.File)
		if err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		plan.Data = append(plan.Data, orchestrator.DataAssignment{Identity: d.Identity, Slot: d.Slot, Artifact: data})
	}
	for _, p := range s.Probes {
		plan.Probes = append(plan.Probes, orchestrator.Probe{
			Before:   p.Before,
			Identity: p.Identity,
			Op:       p.Op,
			Slot:     p.Slot,
			Artifact: []byte(p.Artifact),
			Expect:   p.Expect,
		})
	}
	return plan, nil
}

func artifact(inline, file string) ([]byte, error) {
	if file == "" {
		return []byte(inline), nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return data, nil
}

// checkExpectation compares the run's outcome with the expect clause.
func checkExpectation(expect *ExpectClause, runErr error, result *Result) {
	if expect == nil {
		expect = &ExpectClause{Outcome: ExpectOK}
	}

	switch expect.Outcome {
	case ExpectOK:
		if runErr != nil {
			result.AddError(fmt.Sprintf("expected run to succeed, got: %v", runErr))
			return
		}
	case ExpectFailed:
		if runErr == nil {
			result.AddError("expected run to fail, it succeeded")
			return
		}
		pe, ok := orchestrator.AsPhaseError(runErr)
		if !ok {
			result.AddError(fmt.Sprintf("expected a phase error, got: %v", runErr))
			return
		}
		if expect.Phase != "" && pe.Phase != expect.Phase {
			result.AddError(fmt.Sprintf("expected failure in phase %s, got %s: %v", expect.Phase, pe.Phase, runErr))
		}
		if expect.Participant != "" && pe.Participant != policy.NormalizeIdentity(expect.Participant) {
			result.AddError(fmt.Sprintf("expected failure of %s, got %s: %v", expect.Participant, pe.Participant, runErr))
		}
		if expect.Code != "" {
			if code := rejectionCode(runErr); code != expect.Code {
				result.AddError(fmt.Sprintf("expected rejection code %s, got %q: %v", expect.Code, code, runErr))
			}
		}
	}

	for identity, want := range expect.Results {
		got, ok := result.Results[policy.NormalizeIdentity(identity)]
		if !ok {
			result.AddError(fmt.Sprintf("expected a result for %s, got none", identity))
			continue
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			result.AddError(fmt.Sprintf("result of %s: expected %v, got %v", identity, want, got))
		}
	}
}

func rejectionCode(err error) protocol.Code {
	var rejected *session.RejectedError
	if errors.As(err, &rejected) {
		return rejected.Code
	}
	return ""
}
