package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/policy"
)

func TestValidateValidPolicy(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeFixture(t, dir,
		member{identity: "alice", roles: []policy.Role{policy.RoleProgram, policy.RoleData}, slots: []int{0}},
		member{identity: "bob", roles: []policy.Role{policy.RoleResult}},
	)
	doc, err := policy.Load(path)
	require.NoError(t, err)
	hash, err := doc.Hash()
	require.NoError(t, err)

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ "+path)
	assert.Contains(t, out, hash)
	assert.Contains(t, out, "participants:  2")
	assert.Contains(t, out, "data slots:    1")
}

func TestValidateValidPolicyJSON(t *testing.T) {
	path := filepath.Join("..", "policy", "testdata", "three_party.yaml")

	out, err := execute(NewValidateCommand(&RootOptions{Format: "json"}), path)
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	require.Len(t, resp.Data.Policies, 1)
	assert.Equal(t, 3, resp.Data.Policies[0].Participants)
	assert.Equal(t, 2, resp.Data.Policies[0].RequiredSlots)
	assert.Len(t, resp.Data.Policies[0].Hash, 64)
}

func TestValidateMalformedPolicy(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", `participants:
  - identity: alice
    roles: [program, data]
    cert_fingerprint: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
attestation_endpoint: 127.0.0.1:7100
endpoint_address: 127.0.0.1:7200
runtime_hashes:
  mock: 1111111111111111111111111111111111111111111111111111111111111111
`)

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ "+path)
	assert.Contains(t, out, "malformed policy")
}

func TestValidateMalformedPolicyJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.json", `{"participants": [], /* nobody */ }`)

	out, err := execute(NewValidateCommand(&RootOptions{Format: "json"}), path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodePolicyInvalid, resp.Error.Code)
}

func TestValidateMissingFile(t *testing.T) {
	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "failed to read policy file")
}

func TestValidateMixedPolicies(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join("..", "policy", "testdata", "three_party.yaml")
	bad := writeFile(t, dir, "empty.yaml", "")

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), good, bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ "+good)
	assert.Contains(t, out, "✗ "+bad)
}

func TestValidateRequiresArgs(t *testing.T) {
	_, err := execute(NewValidateCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}
