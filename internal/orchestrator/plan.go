package orchestrator

import (
	"fmt"
	"os"
	"strconv"

	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

// Schedule selects how phases are interleaved.
type Schedule string

const (
	// ScheduleSequential sends data assignments one at a time, in the
	// order the plan lists them.
	ScheduleSequential Schedule = "sequential"

	// ScheduleConcurrentData sends data from distinct participants
	// concurrently once the program has landed.
	ScheduleConcurrentData Schedule = "concurrent"

	// ScheduleParallel runs one task per participant. Tasks are gated
	// by the program-sent and data-sent signals only.
	ScheduleParallel Schedule = "parallel"
)

// Valid reports whether s is a known schedule.
func (s Schedule) Valid() bool {
	return s == ScheduleSequential || s == ScheduleConcurrentData || s == ScheduleParallel
}

// Participant pairs a policy identity with its credential.
type Participant struct {
	Identity   string
	Credential *pki.Credential
}

// Assignment is the program artifact and the participant providing it.
type Assignment struct {
	Identity string
	Artifact []byte
}

// DataAssignment is one data artifact, its slot, and the participant
// providing it.
type DataAssignment struct {
	Identity string
	Slot     int
	Artifact []byte
}

// Probe is a request the endpoint is expected to refuse. Probes run
// just before the named phase, through the participant's session but
// without local checks, so the endpoint's own enforcement is exercised.
type Probe struct {
	Before   Phase
	Identity string
	Op       protocol.Op
	Slot     int
	Artifact []byte
	Expect   protocol.Code
}

// Plan is everything a run needs.
type Plan struct {
	Policy       *policy.Document
	Platform     policy.Platform
	Participants []Participant
	Program      Assignment
	Data         []DataAssignment

	// Retrievers fetch the result. The first one also requests shutdown.
	Retrievers []string

	Schedule Schedule
	Probes   []Probe
}

// Validate checks that every identity the plan references resolves to a
// participant of the policy holding the role the plan uses it for.
// Identities are normalised in place. Errors wrap ErrConfig.
//
// Slots the plan leaves unassigned are not an error: on a shared
// endpoint another driver may provide them. Until then retrievers see a
// pending result and give up after the fetch timeout.
func (p *Plan) Validate() error {
	if p.Policy == nil {
		return configError("no policy")
	}
	if p.Schedule == "" {
		p.Schedule = ScheduleSequential
	}
	if !p.Schedule.Valid() {
		return configError("unknown schedule %q", p.Schedule)
	}
	if !p.Platform.Valid() {
		return configError("unknown platform %q", p.Platform)
	}
	if _, ok := p.Policy.RuntimeHashes[p.Platform]; !ok {
		return configError("policy accepts no runtime for platform %s", p.Platform)
	}

	if len(p.Participants) == 0 {
		return configError("no participants")
	}
	connected := make(map[string]bool, len(p.Participants))
	for i := range p.Participants {
		part := &p.Participants[i]
		entry, ok := p.Policy.Participant(part.Identity)
		if !ok {
			return configError("participant %q is not named by the policy", part.Identity)
		}
		part.Identity = entry.Identity
		if connected[part.Identity] {
			return configError("participant %q listed twice", part.Identity)
		}
		connected[part.Identity] = true
		if part.Credential == nil {
			return configError("participant %q has no credential", part.Identity)
		}
		if fp := part.Credential.Fingerprint(); fp != entry.CertFingerprint {
			return configError("credential of %q has fingerprint %s, policy expects %s", part.Identity, fp, entry.CertFingerprint)
		}
	}

	access := func(identity string) (string, policy.Access, error) {
		entry, ok := p.Policy.Participant(identity)
		if !ok {
			return "", policy.Access{}, configError("%q is not named by the policy", identity)
		}
		if !connected[entry.Identity] {
			return "", policy.Access{}, configError("%q has no credential in the plan", entry.Identity)
		}
		return entry.Identity, p.Policy.Access(entry.Identity), nil
	}

	id, acc, err := access(p.Program.Identity)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	if !acc.Program {
		return configError("program: %q does not hold the program role", id)
	}
	if p.Program.Artifact == nil {
		return configError("program: no artifact")
	}
	p.Program.Identity = id

	slots := make(map[int]bool, len(p.Data))
	for i := range p.Data {
		d := &p.Data[i]
		id, acc, err := access(d.Identity)
		if err != nil {
			return fmt.Errorf("data[%d]: %w", i, err)
		}
		if !acc.OwnsSlot(d.Slot) {
			return configError("data[%d]: slot %d is not owned by %q", i, d.Slot, id)
		}
		if slots[d.Slot] {
			return configError("data[%d]: slot %d assigned twice", i, d.Slot)
		}
		slots[d.Slot] = true
		if d.Artifact == nil {
			return configError("data[%d]: no artifact", i)
		}
		d.Identity = id
	}

	retrievers := make(map[string]bool, len(p.Retrievers))
	for i, r := range p.Retrievers {
		id, acc, err := access(r)
		if err != nil {
			return fmt.Errorf("retrievers[%d]: %w", i, err)
		}
		if !acc.Result {
			return configError("retrievers[%d]: %q does not hold the result role", i, id)
		}
		if retrievers[id] {
			return configError("retrievers[%d]: %q listed twice", i, id)
		}
		retrievers[id] = true
		p.Retrievers[i] = id
	}

	for i := range p.Probes {
		pr := &p.Probes[i]
		id, _, err := access(pr.Identity)
		if err != nil {
			return fmt.Errorf("probes[%d]: %w", i, err)
		}
		pr.Identity = id
		if !pr.Op.Valid() || pr.Op == protocol.OpHello || pr.Op == protocol.OpRequestShutdown {
			return configError("probes[%d]: operation %q cannot be probed", i, pr.Op)
		}
		switch pr.Before {
		case PhaseProgram, PhaseData, PhaseResult:
		default:
			return configError("probes[%d]: probes run before program, data or result, not %q", i, pr.Before)
		}
		if p.Schedule == ScheduleParallel && pr.Before != PhaseProgram {
			return configError("probes[%d]: the parallel schedule only runs probes before the program phase", i)
		}
		if pr.Expect == "" {
			return configError("probes[%d]: expected rejection code is required", i)
		}
	}
	return nil
}

// UnassignedSlots returns the data slots the policy requires that no
// assignment of the plan fills, in ascending order.
func (p *Plan) UnassignedSlots() []int {
	filled := make(map[int]bool, len(p.Data))
	for _, d := range p.Data {
		filled[d.Slot] = true
	}
	var missing []int
	for slot := range p.Policy.RequiredSlots() {
		if !filled[slot] {
			missing = append(missing, slot)
		}
	}
	return missing
}

// shutdownIdentity is the participant that asks the endpoint to stop.
func (p *Plan) shutdownIdentity() string {
	if len(p.Retrievers) > 0 {
		return p.Retrievers[0]
	}
	return p.Program.Identity
}

// CredentialFiles locates one participant's PEM credential. Ref is an
// identity or a zero-based index into the policy's participants.
type CredentialFiles struct {
	Ref      string
	CertPath string
	KeyPath  string
}

// ArtifactFile is a program artifact on disk and its provider.
type ArtifactFile struct {
	Ref  string
	Path string
}

// DataFile is a data artifact on disk, its slot, and its provider.
type DataFile struct {
	Ref  string
	Slot int
	Path string
}

// PlanFiles describes a run in terms of files.
type PlanFiles struct {
	Policy       string
	Platform     policy.Platform
	Participants []CredentialFiles
	Program      ArtifactFile
	Data         []DataFile
	Retrievers   []string
	Schedule     Schedule
}

// LoadPlan reads the policy, credentials and artifacts named by files
// and returns a validated plan.
func LoadPlan(files PlanFiles) (*Plan, error) {
	doc, err := policy.Load(files.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	plan := &Plan{
		Policy:   doc,
		Platform: files.Platform,
		Schedule: files.Schedule,
	}
	for _, c := range files.Participants {
		identity, err := resolveRef(doc, c.Ref)
		if err != nil {
			return nil, err
		}
		cred, err := pki.LoadFiles(c.CertPath, c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("%w: credential of %q: %w", ErrConfig, identity, err)
		}
		plan.Participants = append(plan.Participants, Participant{Identity: identity, Credential: cred})
	}

	identity, err := resolveRef(doc, files.Program.Ref)
	if err != nil {
		return nil, err
	}
	program, err := readArtifact(files.Program.Path)
	if err != nil {
		return nil, err
	}
	plan.Program = Assignment{Identity: identity, Artifact: program}

	for _, d := range files.Data {
		identity, err := resolveRef(doc, d.Ref)
		if err != nil {
			return nil, err
		}
		artifact, err := readArtifact(d.Path)
		if err != nil {
			return nil, err
		}
		plan.Data = append(plan.Data, DataAssignment{Identity: identity, Slot: d.Slot, Artifact: artifact})
	}

	for _, r := range files.Retrievers {
		identity, err := resolveRef(doc, r)
		if err != nil {
			return nil, err
		}
		plan.Retrievers = append(plan.Retrievers, identity)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// resolveRef maps an identity or a participant index to an identity.
// A name that is also a valid index resolves as a name.
func resolveRef(doc *policy.Document, ref string) (string, error) {
	if p, ok := doc.Participant(ref); ok {
		return p.Identity, nil
	}
	if index, err := strconv.Atoi(ref); err == nil {
		if p, ok := doc.ParticipantAt(index); ok {
			return p.Identity, nil
		}
		return "", configError("participant index %d out of range (policy has %d participants)", index, len(doc.Participants))
	}
	return "", configError("participant %q is not named by the policy", ref)
}

func readArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact: %w", ErrConfig, err)
	}
	return data, nil
}
