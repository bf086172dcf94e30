package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/orchestrator"
)

// Golden files live in testdata/golden. To regenerate:
//
//	go test ./internal/harness -run TestGoldenScenarios -update
func TestGoldenScenarios(t *testing.T) {
	for _, name := range []string{
		"a_solo_count.yaml",
		"b_data_before_program.yaml",
		"c_reversed_data.yaml",
		"d_parallel.yaml",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestdata(t, name))
			require.NoError(t, err)
			requirePass(t, result)
		})
	}
}

func TestTraceSnapshot_Canonical(t *testing.T) {
	result := NewResult()
	result.RunID = "run-x"
	result.Events = []orchestrator.Event{
		{Phase: orchestrator.PhaseResult, Identity: "carol", Slot: -1, Outcome: orchestrator.OutcomeOK, Detail: "digest"},
		{Phase: orchestrator.PhaseData, Identity: "bob", Slot: 0, Outcome: orchestrator.OutcomeRejected, Code: "out_of_order"},
	}
	result.Results["carol"] = uint64(5)

	data, err := NewTraceSnapshot("snap", result).Canonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"events":[{"code":"out_of_order","identity":"bob","outcome":"rejected","phase":"data","slot":0},`+
			`{"identity":"carol","outcome":"ok","phase":"result"}],"results":{"carol":"5"},"run_id":"run-x","scenario_name":"snap"}`,
		string(data))
}

func TestTraceSnapshot_NoResults(t *testing.T) {
	result := NewResult()
	data, err := NewTraceSnapshot("empty", result).Canonical()
	require.NoError(t, err)
	assert.Equal(t, `{"events":[],"run_id":"","scenario_name":"empty"}`, string(data))
}
