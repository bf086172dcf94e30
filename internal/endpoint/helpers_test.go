package endpoint

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/attestation"
	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
)

var testRuntime = []byte("endpoint-test-runtime")

type roleT = policy.Role

type member struct {
	identity string
	roles    []policy.Role
	slots    []int
}

type fixture struct {
	doc   *policy.Document
	creds map[string]*pki.Credential
}

func newFixture(t *testing.T, members ...member) *fixture {
	t.Helper()
	measurement, err := attestation.MeasureRuntime(policy.PlatformMock, testRuntime)
	require.NoError(t, err)

	f := &fixture{creds: make(map[string]*pki.Credential)}
	doc := &policy.Document{
		AttestationEndpoint: "127.0.0.1:7100",
		EndpointAddress:     "127.0.0.1:0",
		RuntimeHashes:       map[policy.Platform]string{policy.PlatformMock: measurement},
	}
	for _, m := range members {
		cred, err := pki.Generate(m.identity, pki.Options{})
		require.NoError(t, err)
		f.creds[m.identity] = cred
		doc.Participants = append(doc.Participants, policy.Participant{
			Identity:        m.identity,
			Roles:           m.roles,
			CertFingerprint: cred.Fingerprint(),
			DataSlots:       m.slots,
		})
	}
	require.NoError(t, doc.Validate())
	f.doc = doc
	return f
}

// threeParty is the program/data/result split used across tests:
// alice provides the program, bob and dave one data slot each, and
// carol reads the result.
func threeParty(t *testing.T) *fixture {
	return newFixture(t,
		member{identity: "alice", roles: []policy.Role{policy.RoleProgram}},
		member{identity: "bob", roles: []policy.Role{policy.RoleData}, slots: []int{0}},
		member{identity: "dave", roles: []policy.Role{policy.RoleData}, slots: []int{1}},
		member{identity: "carol", roles: []policy.Role{policy.RoleResult}},
	)
}

// countingExecutor joins the program and its inputs and counts runs.
type countingExecutor struct {
	calls atomic.Int32
}

func (c *countingExecutor) Execute(_ context.Context, program []byte, inputs [][]byte) ([]byte, error) {
	c.calls.Add(1)
	return bytes.Join(append([][]byte{program}, inputs...), []byte("+")), nil
}

var _ executor.Executor = (*countingExecutor)(nil)
