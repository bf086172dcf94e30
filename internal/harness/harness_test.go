package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/orchestrator"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

func loadTestdata(t *testing.T, name string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	return scenario
}

func requirePass(t *testing.T, result *Result) {
	t.Helper()
	if !result.Pass {
		t.Fatalf("scenario failed:\n%s", strings.Join(result.Errors, "\n"))
	}
}

func TestRun_ExecutionFailure(t *testing.T) {
	result, err := Run(loadTestdata(t, "e_execution_failure.yaml"))
	require.NoError(t, err)
	requirePass(t, result)

	assert.Equal(t, "run-fail", result.RunID)
	assert.Contains(t, result.RunError, "execution_failed")
	assert.Empty(t, result.Results)
}

func TestRun_TraceIsInSeqOrder(t *testing.T) {
	result, err := Run(loadTestdata(t, "b_data_before_program.yaml"))
	require.NoError(t, err)
	requirePass(t, result)

	require.NotEmpty(t, result.Trace)
	for i := 1; i < len(result.Trace); i++ {
		assert.Less(t, result.Trace[i-1].Seq, result.Trace[i].Seq)
	}
	// Seq 1 opens the run.
	assert.Equal(t, int64(2), result.Trace[0].Seq)
}

func TestRun_DefaultsRunID(t *testing.T) {
	scenario := loadTestdata(t, "a_solo_count.yaml")
	scenario.RunID = ""
	scenario.Assertions = nil

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
	assert.Equal(t, DefaultRunID, result.RunID)
}

func TestRun_ReportsMismatches(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Scenario)
		want   string
	}{
		{
			name:   "wrong result",
			mutate: func(s *Scenario) { s.Expect.Results["solo"] = 7 },
			want:   "result of solo: expected 7, got 0",
		},
		{
			name:   "missing retriever result",
			mutate: func(s *Scenario) { s.Expect.Results["ghost"] = 1 },
			want:   "expected a result for ghost",
		},
		{
			name:   "expected failure",
			mutate: func(s *Scenario) { s.Expect = &ExpectClause{Outcome: ExpectFailed} },
			want:   "expected run to fail",
		},
		{
			name: "failed assertion",
			mutate: func(s *Scenario) {
				s.Assertions = []Assertion{{Type: AssertTraceCount, Op: "fetch_result", Count: 5}}
			},
			want: "trace_count",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := loadTestdata(t, "a_solo_count.yaml")
			tt.mutate(scenario)

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.False(t, result.Pass)
			assert.Contains(t, strings.Join(result.Errors, "\n"), tt.want)
		})
	}
}

func TestRun_ExpectedFailureDetails(t *testing.T) {
	scenario := loadTestdata(t, "e_execution_failure.yaml")
	scenario.Expect.Phase = orchestrator.PhaseProgram
	scenario.Expect.Code = protocol.CodeHashMismatch

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	joined := strings.Join(result.Errors, "\n")
	assert.Contains(t, joined, "expected failure in phase program, got result")
	assert.Contains(t, joined, `expected rejection code hash_mismatch, got "execution_failed"`)
}

func TestRun_PinnedProgramRejectsOtherPrograms(t *testing.T) {
	scenario := loadTestdata(t, "b_data_before_program.yaml")
	scenario.Policy.ProgramHash = strings.Repeat("ab", 32)
	scenario.Probes = nil
	scenario.Assertions = []Assertion{{Type: AssertTraceCount, Op: "submit_data", Count: 0}}
	scenario.Expect = &ExpectClause{
		Outcome:     ExpectFailed,
		Phase:       orchestrator.PhaseProgram,
		Participant: "alice",
		Code:        protocol.CodeHashMismatch,
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_PartialConnectTimesOut(t *testing.T) {
	scenario := loadTestdata(t, "b_data_before_program.yaml")
	scenario.Connect = []string{"alice", "carol"}
	scenario.Data = nil
	scenario.Probes = nil
	scenario.Assertions = nil
	scenario.FetchTimeout = "150ms"
	scenario.Expect = &ExpectClause{Outcome: ExpectFailed, Phase: orchestrator.PhaseResult, Participant: "carol"}

	result, err := Run(scenario)
	require.NoError(t, err)
	requirePass(t, result)
	assert.Contains(t, result.RunError, "result still pending")
}

func TestRun_HarnessErrors(t *testing.T) {
	scenario := loadTestdata(t, "a_solo_count.yaml")
	scenario.Connect = []string{"stranger"}
	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a policy participant")

	scenario = loadTestdata(t, "a_solo_count.yaml")
	scenario.Policy.Participants = append(scenario.Policy.Participants, ParticipantTemplate{
		Identity: "extra",
		Roles:    []policy.Role{policy.RoleData},
	})
	_, err = Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy")
}
