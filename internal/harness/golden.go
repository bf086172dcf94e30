package harness

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/sebdah/goldie/v2"

	"github.com/roach88/conclave/internal/orchestrator"
)

// TraceSnapshot is the part of a run that is identical across
// executions: step outcomes in phase order and the decoded results.
// Audit seqs, digests and fingerprints are left out.
type TraceSnapshot struct {
	ScenarioName string            `json:"scenario_name"`
	RunID        string            `json:"run_id"`
	Events       []SnapshotEvent   `json:"events"`
	Results      map[string]string `json:"results,omitempty"`
}

// SnapshotEvent is an orchestrator event without its detail.
type SnapshotEvent struct {
	Phase    string `json:"phase"`
	Identity string `json:"identity"`
	Slot     *int   `json:"slot,omitempty"`
	Outcome  string `json:"outcome"`
	Code     string `json:"code,omitempty"`
}

// NewTraceSnapshot builds the snapshot of result.
func NewTraceSnapshot(name string, result *Result) TraceSnapshot {
	report := orchestrator.Report{Events: result.Events}
	snap := TraceSnapshot{
		ScenarioName: name,
		RunID:        result.RunID,
		Events:       []SnapshotEvent{},
	}
	for _, e := range report.SortedEvents() {
		se := SnapshotEvent{
			Phase:    string(e.Phase),
			Identity: e.Identity,
			Outcome:  e.Outcome,
			Code:     e.Code,
		}
		if e.Slot >= 0 {
			slot := e.Slot
			se.Slot = &slot
		}
		snap.Events = append(snap.Events, se)
	}
	if len(result.Results) > 0 {
		snap.Results = make(map[string]string, len(result.Results))
		for identity, v := range result.Results {
			snap.Results[identity] = fmt.Sprint(v)
		}
	}
	return snap
}

// Canonical returns the snapshot as RFC 8785 canonical JSON.
func (s TraceSnapshot) Canonical() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result, or an error if the scenario could not be run.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares a result's snapshot against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewTraceSnapshot(scenarioName, result).Canonical()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
