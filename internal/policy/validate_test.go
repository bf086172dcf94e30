package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readThreeParty(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "three_party.yaml"))
	require.NoError(t, err)
	return string(data)
}

func fp(c byte) string {
	return strings.Repeat(string(c), 64)
}

// validDocument builds a minimal document in code, bypassing Parse.
func validDocument() *Document {
	return &Document{
		Participants: []Participant{
			{Identity: "p", Roles: []Role{RoleProgram, RoleResult}, CertFingerprint: fp('a')},
			{Identity: "d", Roles: []Role{RoleData}, CertFingerprint: fp('b'), DataSlots: []int{0}},
		},
		AttestationEndpoint: "localhost:7100",
		EndpointAddress:     "localhost:0",
		RuntimeHashes:       map[Platform]string{PlatformMock: fp('1')},
	}
}

func TestValidateAcceptsMinimalDocument(t *testing.T) {
	doc := validDocument()
	require.NoError(t, doc.Validate())
	assert.Equal(t, StrategyInterpretation, doc.ExecutionStrategy)

	p, ok := doc.ByFingerprint(fp('b'))
	require.True(t, ok)
	assert.Equal(t, "d", p.Identity)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Document)
		field  string
	}{
		{
			name:   "no participants",
			mutate: func(d *Document) { d.Participants = nil },
			field:  "participants",
		},
		{
			name:   "empty identity",
			mutate: func(d *Document) { d.Participants[0].Identity = "" },
			field:  "participants[0].identity",
		},
		{
			name:   "duplicate identity",
			mutate: func(d *Document) { d.Participants[1].Identity = "p" },
			field:  "participants[1].identity",
		},
		{
			name:   "shared fingerprint",
			mutate: func(d *Document) { d.Participants[1].CertFingerprint = fp('a') },
			field:  "participants[1].cert_fingerprint",
		},
		{
			name:   "short fingerprint",
			mutate: func(d *Document) { d.Participants[0].CertFingerprint = "abcd" },
			field:  "participants[0].cert_fingerprint",
		},
		{
			name:   "no roles",
			mutate: func(d *Document) { d.Participants[0].Roles = nil },
			field:  "participants[0].roles",
		},
		{
			name: "duplicate role",
			mutate: func(d *Document) {
				d.Participants[0].Roles = []Role{RoleProgram, RoleProgram, RoleResult}
			},
			field: "participants[0].roles",
		},
		{
			name:   "unknown role",
			mutate: func(d *Document) { d.Participants[0].Roles = []Role{"auditor"} },
			field:  "participants[0].roles",
		},
		{
			name:   "data role without slots",
			mutate: func(d *Document) { d.Participants[1].DataSlots = nil },
			field:  "participants[1].data_slots",
		},
		{
			name:   "slots without data role",
			mutate: func(d *Document) { d.Participants[0].DataSlots = []int{1} },
			field:  "participants[0].data_slots",
		},
		{
			name:   "negative slot",
			mutate: func(d *Document) { d.Participants[1].DataSlots = []int{-1} },
			field:  "participants[1].data_slots",
		},
		{
			name: "slot owned twice",
			mutate: func(d *Document) {
				d.Participants[0].Roles = append(d.Participants[0].Roles, RoleData)
				d.Participants[0].DataSlots = []int{0}
			},
			field: "participants[1].data_slots",
		},
		{
			name:   "slot gap",
			mutate: func(d *Document) { d.Participants[1].DataSlots = []int{0, 2} },
			field:  "participants",
		},
		{
			name:   "no program holder",
			mutate: func(d *Document) { d.Participants[0].Roles = []Role{RoleResult} },
			field:  "participants",
		},
		{
			name:   "no result holder",
			mutate: func(d *Document) { d.Participants[0].Roles = []Role{RoleProgram} },
			field:  "participants",
		},
		{
			name:   "attestation endpoint without port",
			mutate: func(d *Document) { d.AttestationEndpoint = "localhost" },
			field:  "attestation_endpoint",
		},
		{
			name:   "attestation endpoint port zero",
			mutate: func(d *Document) { d.AttestationEndpoint = "localhost:0" },
			field:  "attestation_endpoint",
		},
		{
			name:   "endpoint address port out of range",
			mutate: func(d *Document) { d.EndpointAddress = "localhost:70000" },
			field:  "endpoint_address",
		},
		{
			name:   "bad program hash",
			mutate: func(d *Document) { d.ProgramHash = "zz" },
			field:  "program_hash",
		},
		{
			name:   "no runtime hashes",
			mutate: func(d *Document) { d.RuntimeHashes = nil },
			field:  "runtime_hashes",
		},
		{
			name:   "bad runtime hash",
			mutate: func(d *Document) { d.RuntimeHashes[PlatformMock] = "nope" },
			field:  "runtime_hashes.mock",
		},
		{
			name:   "unknown strategy",
			mutate: func(d *Document) { d.ExecutionStrategy = "aot" },
			field:  "execution_strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := validDocument()
			tt.mutate(doc)

			err := doc.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.field, perr.Field)
		})
	}
}

func TestParseRejectsWhitespaceIdentity(t *testing.T) {
	data := strings.Replace(readThreeParty(t), "identity: bob", `identity: "   "`, 1)
	_, err := Parse([]byte(data))
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "participants[1].identity", perr.Field)
}

func TestParseRejectsDuplicateAfterNormalization(t *testing.T) {
	data := strings.Replace(readThreeParty(t), "identity: bob", `identity: " alice"`, 1)
	_, err := Parse([]byte(data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already declared")
}
