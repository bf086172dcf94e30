package policy

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
)

// hexDigest matches a lowercase hex SHA-256 digest.
var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Validate checks the structural invariants of the document and builds
// its lookup indexes. Parse calls Validate; callers constructing a
// Document in code must call it before use.
func (d *Document) Validate() error {
	if len(d.Participants) == 0 {
		return malformed("participants", "participant set is empty")
	}

	d.byIdentity = make(map[string]int, len(d.Participants))
	d.byFingerprint = make(map[string]int, len(d.Participants))
	slotOwners := make(map[int]string)
	var hasProgram, hasResult bool

	for i, p := range d.Participants {
		field := fmt.Sprintf("participants[%d]", i)

		if p.Identity == "" {
			return malformed(field+".identity", "identity is required")
		}
		if j, dup := d.byIdentity[p.Identity]; dup {
			return malformed(field+".identity", "identity %q already declared by participants[%d]", p.Identity, j)
		}
		d.byIdentity[p.Identity] = i

		if !hexDigest.MatchString(p.CertFingerprint) {
			return malformed(field+".cert_fingerprint", "must be a hex SHA-256 digest")
		}
		if j, dup := d.byFingerprint[p.CertFingerprint]; dup {
			return malformed(field+".cert_fingerprint", "fingerprint shared with participants[%d]", j)
		}
		d.byFingerprint[p.CertFingerprint] = i

		if len(p.Roles) == 0 {
			return malformed(field+".roles", "at least one role is required")
		}
		seen := make(map[Role]bool, len(p.Roles))
		for _, r := range p.Roles {
			if !r.Valid() {
				return malformed(field+".roles", "unknown role %q", r)
			}
			if seen[r] {
				return malformed(field+".roles", "role %q listed twice", r)
			}
			seen[r] = true
		}
		hasProgram = hasProgram || seen[RoleProgram]
		hasResult = hasResult || seen[RoleResult]

		if seen[RoleData] && len(p.DataSlots) == 0 {
			return malformed(field+".data_slots", "data role requires at least one slot")
		}
		if !seen[RoleData] && len(p.DataSlots) > 0 {
			return malformed(field+".data_slots", "slots declared without the data role")
		}
		for _, slot := range p.DataSlots {
			if slot < 0 {
				return malformed(field+".data_slots", "slot %d is negative", slot)
			}
			if owner, taken := slotOwners[slot]; taken {
				return malformed(field+".data_slots", "slot %d already owned by %q", slot, owner)
			}
			slotOwners[slot] = p.Identity
		}
	}

	if !hasProgram {
		return malformed("participants", "no participant holds the program role")
	}
	if !hasResult {
		return malformed("participants", "no participant holds the result role")
	}

	slots := make([]int, 0, len(slotOwners))
	for slot := range slotOwners {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	for i, slot := range slots {
		if slot != i {
			return malformed("participants", "data slots must be contiguous from 0: slot %d is missing", i)
		}
	}

	if err := validateAddress(d.AttestationEndpoint, false); err != nil {
		return malformed("attestation_endpoint", "%v", err)
	}
	if err := validateAddress(d.EndpointAddress, true); err != nil {
		return malformed("endpoint_address", "%v", err)
	}

	if d.ProgramHash != "" && !hexDigest.MatchString(d.ProgramHash) {
		return malformed("program_hash", "must be a hex SHA-256 digest")
	}

	if len(d.RuntimeHashes) == 0 {
		return malformed("runtime_hashes", "at least one platform measurement is required")
	}
	for platform, hash := range d.RuntimeHashes {
		if !platform.Valid() {
			return malformed("runtime_hashes", "unknown platform %q", platform)
		}
		if !hexDigest.MatchString(hash) {
			return malformed("runtime_hashes."+string(platform), "must be a hex SHA-256 digest")
		}
	}

	if d.ExecutionStrategy == "" {
		d.ExecutionStrategy = StrategyInterpretation
	}
	if !d.ExecutionStrategy.Valid() {
		return malformed("execution_strategy", "unknown strategy %q", d.ExecutionStrategy)
	}

	return nil
}

// validateAddress checks that addr is host:port with a numeric port.
// Port zero is accepted only when allowEphemeral is set.
func validateAddress(addr string, allowEphemeral bool) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: host is required", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid address %q: port must be numeric", addr)
	}
	if n == 0 && !allowEphemeral {
		return fmt.Errorf("invalid address %q: port 0 is not allowed", addr)
	}
	return nil
}
