package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/conclave/internal/orchestrator"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

// Scenario defines a conformance scenario: a policy, the parties it
// names, what each of them does, and what the run must produce.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden
	// file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy lists the participants. The harness mints a credential
	// for each and fills in fingerprints, addresses and runtime hashes.
	Policy PolicyTemplate `yaml:"policy"`

	// Platform defaults to mock.
	Platform policy.Platform `yaml:"platform,omitempty"`

	// Schedule defaults to sequential.
	Schedule orchestrator.Schedule `yaml:"schedule,omitempty"`

	// Connect lists the participants that take part in the run.
	// Defaults to every participant of the policy.
	Connect []string `yaml:"connect,omitempty"`

	Program    ArtifactStep `yaml:"program"`
	Data       []DataStep   `yaml:"data,omitempty"`
	Retrievers []string     `yaml:"retrievers,omitempty"`
	Probes     []ProbeStep  `yaml:"probes,omitempty"`

	// FetchTimeout bounds result polling, as a Go duration.
	FetchTimeout string `yaml:"fetch_timeout,omitempty"`

	// Expect is the run's outcome. Nil expects success.
	Expect *ExpectClause `yaml:"expect,omitempty"`

	// Assertions validate the endpoint's audit trace and final state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// RunID is the fixed run ID. Defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`
}

// PolicyTemplate is a policy without its generated parts.
type PolicyTemplate struct {
	Participants []ParticipantTemplate `yaml:"participants"`

	// ProgramHash pins the program. "auto" pins the scenario's own
	// program artifact.
	ProgramHash string `yaml:"program_hash,omitempty"`

	ExecutionStrategy policy.ExecutionStrategy `yaml:"execution_strategy,omitempty"`
}

// ProgramHashAuto pins the scenario's program artifact.
const ProgramHashAuto = "auto"

// ParticipantTemplate is a policy participant without a fingerprint.
type ParticipantTemplate struct {
	Identity  string        `yaml:"identity"`
	Roles     []policy.Role `yaml:"roles"`
	DataSlots []int         `yaml:"data_slots,omitempty"`
}

// ArtifactStep names who submits an artifact. The artifact is inline or
// read from File, relative to the scenario.
type ArtifactStep struct {
	Identity string `yaml:"identity"`
	Artifact string `yaml:"artifact,omitempty"`
	File     string `yaml:"file,omitempty"`
}

// DataStep submits a data artifact for a slot.
type DataStep struct {
	Identity string `yaml:"identity"`
	Slot     int    `yaml:"slot"`
	Artifact string `yaml:"artifact,omitempty"`
	File     string `yaml:"file,omitempty"`
}

// ProbeStep sends a request the endpoint must reject.
type ProbeStep struct {
	Before   orchestrator.Phase `yaml:"before"`
	Identity string             `yaml:"identity"`
	Op       protocol.Op        `yaml:"op"`
	Slot     int                `yaml:"slot,omitempty"`
	Artifact string             `yaml:"artifact,omitempty"`
	Expect   protocol.Code      `yaml:"expect"`
}

// ExpectClause specifies the expected run outcome.
type ExpectClause struct {
	// Outcome is "ok" or "failed".
	Outcome string `yaml:"outcome"`

	// Phase, Participant and Code describe an expected failure. Empty
	// fields are not checked.
	Phase       orchestrator.Phase `yaml:"phase,omitempty"`
	Participant string             `yaml:"participant,omitempty"`
	Code        protocol.Code      `yaml:"code,omitempty"`

	// Results maps a retriever to the decoded value it must receive.
	Results map[string]any `yaml:"results,omitempty"`
}

// Expected outcomes.
const (
	ExpectOK     = "ok"
	ExpectFailed = "failed"
)

// Assertion validates the audit trace or the final store state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": a request matching the filter was recorded
	// - "trace_order": ops first appear in the given order
	// - "trace_count": exactly Count requests match the filter
	// - "final_state": query a store table and verify expected values
	Type string `yaml:"type"`

	// Request filter (trace_contains, trace_count). Empty fields match
	// anything.
	Op       string `yaml:"op,omitempty"`
	Identity string `yaml:"identity,omitempty"`
	Slot     *int   `yaml:"slot,omitempty"`
	Outcome  string `yaml:"outcome,omitempty"`
	Code     string `yaml:"code,omitempty"`

	// Ops is the expected op order (trace_order).
	Ops []string `yaml:"ops,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect drive final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Artifact files
// resolve relative to the scenario's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving artifact file paths relative to basePath.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || basePath == "" {
			return p
		}
		return filepath.Join(basePath, p)
	}
	scenario.Program.File = resolve(scenario.Program.File)
	for i := range scenario.Data {
		scenario.Data[i].File = resolve(scenario.Data[i].File)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
// Whether identities and roles fit together is left to the run.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Policy.Participants) == 0 {
		return fmt.Errorf("policy.participants is required and must be non-empty")
	}
	for i, p := range s.Policy.Participants {
		if p.Identity == "" {
			return fmt.Errorf("policy.participants[%d]: identity is required", i)
		}
		if len(p.Roles) == 0 {
			return fmt.Errorf("policy.participants[%d]: roles is required", i)
		}
	}
	if s.Platform != "" && !s.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", s.Platform)
	}
	if s.Schedule != "" && !s.Schedule.Valid() {
		return fmt.Errorf("unknown schedule %q", s.Schedule)
	}

	if s.Program.Identity == "" {
		return fmt.Errorf("program.identity is required")
	}
	if err := checkArtifact(s.Program.Artifact, s.Program.File); err != nil {
		return fmt.Errorf("program: %w", err)
	}
	for i, d := range s.Data {
		if d.Identity == "" {
			return fmt.Errorf("data[%d]: identity is required", i)
		}
		if err := checkArtifact(d.Artifact, d.File); err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
	}
	for i, p := range s.Probes {
		if p.Identity == "" || p.Op == "" || p.Expect == "" {
			return fmt.Errorf("probes[%d]: identity, op and expect are required", i)
		}
	}

	if s.FetchTimeout != "" {
		if _, err := time.ParseDuration(s.FetchTimeout); err != nil {
			return fmt.Errorf("fetch_timeout: %w", err)
		}
	}

	if s.Expect != nil {
		switch s.Expect.Outcome {
		case ExpectOK, ExpectFailed:
		case "":
			return fmt.Errorf("expect.outcome is required")
		default:
			return fmt.Errorf("expect.outcome must be %q or %q, got %q", ExpectOK, ExpectFailed, s.Expect.Outcome)
		}
		if s.Expect.Outcome == ExpectOK && (s.Expect.Phase != "" || s.Expect.Code != "") {
			return fmt.Errorf("expect: phase and code only apply to a failed outcome")
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func checkArtifact(inline, file string) error {
	if inline != "" && file != "" {
		return fmt.Errorf("artifact and file are mutually exclusive")
	}
	if file != "" {
		if _, err := os.Stat(file); os.IsNotExist(err) {
			return fmt.Errorf("artifact file not found: %s", file)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
