package cli

import (
	"crypto/ecdsa"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/pki"
)

func TestKeygenWritesCredential(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(NewKeygenCommand(&RootOptions{Format: "text"}), "--identity", "alice", "--out", dir)
	require.NoError(t, err)

	cred, err := pki.LoadFiles(filepath.Join(dir, "alice.crt"), filepath.Join(dir, "alice.key"))
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Certificate.Subject.CommonName)
	assert.Contains(t, out, "✓ credential for alice")
	assert.Contains(t, out, "cert_fingerprint: "+cred.Fingerprint())

	info, err := os.Stat(filepath.Join(dir, "alice.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestKeygenJSON(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(NewKeygenCommand(&RootOptions{Format: "json"}),
		"--identity", "bob", "--out", dir, "--key-type", "ecdsa-p256")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   KeygenResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "bob", resp.Data.Identity)
	assert.Equal(t, "ecdsa-p256", resp.Data.KeyType)

	cred, err := pki.LoadFiles(resp.Data.CertPath, resp.Data.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, cred.Fingerprint(), resp.Data.Fingerprint)
	_, isECDSA := cred.PrivateKey.(*ecdsa.PrivateKey)
	assert.True(t, isECDSA)
}

func TestKeygenRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing identity", []string{}, "required flag"},
		{"path in identity", []string{"--identity", "../alice"}, "invalid identity"},
		{"blank identity", []string{"--identity", "  "}, "invalid identity"},
		{"unknown key type", []string{"--identity", "alice", "--key-type", "rsa"}, "unknown key type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--out", t.TempDir()}, tt.args...)
			_, err := execute(NewKeygenCommand(&RootOptions{Format: "text"}), args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
