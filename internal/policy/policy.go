package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Role is a capability a participant holds for a session.
type Role string

const (
	// RoleProgram permits provisioning the program artifact.
	RoleProgram Role = "program"
	// RoleData permits provisioning data artifacts into owned slots.
	RoleData Role = "data"
	// RoleResult permits retrieving the computation result.
	RoleResult Role = "result"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProgram || r == RoleData || r == RoleResult
}

// Participant is one identity named by the policy.
type Participant struct {
	// Identity is the participant's unique name, NFC-normalised.
	Identity string `yaml:"identity" json:"identity"`

	// Roles lists the capabilities this participant holds.
	Roles []Role `yaml:"roles" json:"roles"`

	// CertFingerprint is the lowercase hex SHA-256 of the DER
	// certificate this participant authenticates with.
	CertFingerprint string `yaml:"cert_fingerprint" json:"cert_fingerprint"`

	// DataSlots lists the data slots this participant may fill.
	// Present if and only if Roles contains RoleData.
	DataSlots []int `yaml:"data_slots,omitempty" json:"data_slots,omitempty"`
}

// HasRole reports whether the participant holds r.
func (p Participant) HasRole(r Role) bool {
	for _, held := range p.Roles {
		if held == r {
			return true
		}
	}
	return false
}

// Document is a parsed and validated policy.
type Document struct {
	Participants        []Participant       `yaml:"participants" json:"participants"`
	AttestationEndpoint string              `yaml:"attestation_endpoint" json:"attestation_endpoint"`
	EndpointAddress     string              `yaml:"endpoint_address" json:"endpoint_address"`
	ProgramHash         string              `yaml:"program_hash,omitempty" json:"program_hash,omitempty"`
	RuntimeHashes       map[Platform]string `yaml:"runtime_hashes" json:"runtime_hashes"`
	ExecutionStrategy   ExecutionStrategy   `yaml:"execution_strategy,omitempty" json:"execution_strategy,omitempty"`
	Debug               bool                `yaml:"debug,omitempty" json:"debug,omitempty"`

	byIdentity    map[string]int
	byFingerprint map[string]int
}

// Access is the authorization derived from a participant's roles.
type Access struct {
	Program bool
	Data    bool
	Result  bool
	Slots   []int
}

// OwnsSlot reports whether slot is one of the participant's data slots.
func (a Access) OwnsSlot(slot int) bool {
	if !a.Data {
		return false
	}
	for _, s := range a.Slots {
		if s == slot {
			return true
		}
	}
	return false
}

// Load reads and parses the policy file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes a YAML, JSON, or JSONC policy and validates it.
//
// The returned error wraps ErrMalformed for every decoding, schema, or
// structural violation.
func Parse(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, malformed("", "document is empty")
	}
	if trimmed[0] == '{' {
		// JSON is a YAML subset once comments and trailing commas are gone.
		trimmed = jsonc.ToJSON(trimmed)
	}

	var doc Document
	decoder := yaml.NewDecoder(bytes.NewReader(trimmed))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, malformed("", "document is empty")
		}
		return nil, malformed("", "cannot decode: %v", err)
	}

	var raw any
	if err := yaml.Unmarshal(trimmed, &raw); err != nil {
		return nil, malformed("", "cannot decode: %v", err)
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	doc.normalize()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// normalize canonicalises identities and hex digests so equality checks
// are stable regardless of how the author typed them.
func (d *Document) normalize() {
	for i := range d.Participants {
		p := &d.Participants[i]
		p.Identity = NormalizeIdentity(p.Identity)
		p.CertFingerprint = strings.ToLower(strings.TrimSpace(p.CertFingerprint))
		sort.Ints(p.DataSlots)
	}
	d.ProgramHash = strings.ToLower(strings.TrimSpace(d.ProgramHash))
	for platform, hash := range d.RuntimeHashes {
		d.RuntimeHashes[platform] = strings.ToLower(strings.TrimSpace(hash))
	}
	if d.ExecutionStrategy == "" {
		d.ExecutionStrategy = StrategyInterpretation
	}
}

// NormalizeIdentity returns the canonical form of a participant identity:
// surrounding whitespace removed and Unicode NFC applied.
func NormalizeIdentity(identity string) string {
	return norm.NFC.String(strings.TrimSpace(identity))
}

// Participant returns the participant with the given identity.
func (d *Document) Participant(identity string) (Participant, bool) {
	i, ok := d.byIdentity[NormalizeIdentity(identity)]
	if !ok {
		return Participant{}, false
	}
	return d.Participants[i], true
}

// ParticipantAt returns the participant at position index in document
// order.
func (d *Document) ParticipantAt(index int) (Participant, bool) {
	if index < 0 || index >= len(d.Participants) {
		return Participant{}, false
	}
	return d.Participants[index], true
}

// ByFingerprint returns the participant authenticating with the given
// certificate fingerprint.
func (d *Document) ByFingerprint(fingerprint string) (Participant, bool) {
	i, ok := d.byFingerprint[strings.ToLower(fingerprint)]
	if !ok {
		return Participant{}, false
	}
	return d.Participants[i], true
}

// Access derives the authorization of identity. Unknown identities have
// no access.
func (d *Document) Access(identity string) Access {
	p, ok := d.Participant(identity)
	if !ok {
		return Access{}
	}
	access := Access{
		Program: p.HasRole(RoleProgram),
		Data:    p.HasRole(RoleData),
		Result:  p.HasRole(RoleResult),
	}
	if access.Data {
		access.Slots = append([]int(nil), p.DataSlots...)
	}
	return access
}

// RequiredSlots returns the number of data slots that must be filled
// before the program can run.
func (d *Document) RequiredSlots() int {
	n := 0
	for _, p := range d.Participants {
		n += len(p.DataSlots)
	}
	return n
}

// SlotOwner returns the identity owning slot.
func (d *Document) SlotOwner(slot int) (string, bool) {
	for _, p := range d.Participants {
		for _, s := range p.DataSlots {
			if s == slot {
				return p.Identity, true
			}
		}
	}
	return "", false
}

// Marshal encodes the document as YAML. Parse(Marshal(d)) yields an
// equivalent document.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(d); err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encode policy: %w", err)
	}
	return buf.Bytes(), nil
}
