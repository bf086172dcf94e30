package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/attestation"
	"github.com/roach88/conclave/internal/endpoint"
	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
)

type member struct {
	identity string
	roles    []policy.Role
	slots    []int
}

// credFiles is where a member's credential was written.
type credFiles struct {
	cert string
	key  string
}

// writeFixture mints a credential per member into dir and writes a
// policy naming them. It returns the policy path and credential paths by
// identity.
func writeFixture(t *testing.T, dir string, members ...member) (string, map[string]credFiles) {
	t.Helper()
	measurement, err := attestation.MeasureRuntime(policy.PlatformMock, endpoint.DefaultRuntimeImage)
	require.NoError(t, err)

	doc := &policy.Document{
		AttestationEndpoint: "127.0.0.1:7100",
		EndpointAddress:     "127.0.0.1:0",
		RuntimeHashes:       map[policy.Platform]string{policy.PlatformMock: measurement},
	}
	creds := make(map[string]credFiles)
	for _, m := range members {
		cred, err := pki.Generate(m.identity, pki.Options{})
		require.NoError(t, err)
		certPath, keyPath, err := cred.WriteFiles(dir, m.identity)
		require.NoError(t, err)
		creds[m.identity] = credFiles{cert: certPath, key: keyPath}
		doc.Participants = append(doc.Participants, policy.Participant{
			Identity:        m.identity,
			Roles:           m.roles,
			CertFingerprint: cred.Fingerprint(),
			DataSlots:       m.slots,
		})
	}
	require.NoError(t, doc.Validate())

	data, err := doc.Marshal()
	require.NoError(t, err)
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, creds
}

// writeFile writes content to dir/name and returns the path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs cmd with args and returns its combined output.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
