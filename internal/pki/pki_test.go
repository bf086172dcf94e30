package pki

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefaultsToEd25519(t *testing.T) {
	cred, err := Generate("alice", Options{})
	require.NoError(t, err)

	assert.Equal(t, "alice", cred.Certificate.Subject.CommonName)
	_, ok := cred.PrivateKey.(ed25519.PrivateKey)
	assert.True(t, ok)
	assert.Len(t, cred.Fingerprint(), 64)
}

func TestGenerateECDSA(t *testing.T) {
	cred, err := Generate("bob", Options{KeyType: KeyECDSA})
	require.NoError(t, err)
	_, ok := cred.PrivateKey.(*ecdsa.PrivateKey)
	assert.True(t, ok)
}

func TestGenerateValidity(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cred, err := Generate("carol", Options{Validity: time.Hour, Now: func() time.Time { return fixed }})
	require.NoError(t, err)

	assert.True(t, cred.Certificate.NotBefore.Before(fixed))
	assert.True(t, cred.Certificate.NotAfter.After(fixed))
	assert.Equal(t, time.Hour, cred.Certificate.NotAfter.Sub(cred.Certificate.NotBefore))
}

func TestGenerateRejectsBadInput(t *testing.T) {
	_, err := Generate("", Options{})
	assert.Error(t, err)

	_, err = Generate("x", Options{KeyType: "rsa"})
	assert.Error(t, err)
}

func TestFingerprintsAreDistinct(t *testing.T) {
	a, err := Generate("same", Options{})
	require.NoError(t, err)
	b, err := Generate("same", Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestPEMRoundTrip(t *testing.T) {
	for _, kind := range []KeyType{KeyEd25519, KeyECDSA} {
		t.Run(string(kind), func(t *testing.T) {
			cred, err := Generate("dave", Options{KeyType: kind})
			require.NoError(t, err)

			certPEM, keyPEM, err := cred.EncodePEM()
			require.NoError(t, err)

			parsed, err := ParsePEM(certPEM, keyPEM)
			require.NoError(t, err)
			assert.Equal(t, cred.Fingerprint(), parsed.Fingerprint())
		})
	}
}

func TestParsePEMRejectsMismatchedKey(t *testing.T) {
	a, err := Generate("a", Options{})
	require.NoError(t, err)
	b, err := Generate("b", Options{})
	require.NoError(t, err)

	certPEM, _, err := a.EncodePEM()
	require.NoError(t, err)
	_, keyPEM, err := b.EncodePEM()
	require.NoError(t, err)

	_, err = ParsePEM(certPEM, keyPEM)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestWriteAndLoadFiles(t *testing.T) {
	dir := t.TempDir()
	cred, err := Generate("erin", Options{})
	require.NoError(t, err)

	certPath, keyPath, err := cred.WriteFiles(dir, "erin")
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadFiles(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, cred.Fingerprint(), loaded.Fingerprint())
}

func TestTLSCertificate(t *testing.T) {
	cred, err := Generate("frank", Options{})
	require.NoError(t, err)

	tc := cred.TLSCertificate()
	require.Len(t, tc.Certificate, 1)
	assert.Equal(t, cred.Certificate.Raw, tc.Certificate[0])
	assert.Same(t, cred.Certificate, tc.Leaf)
}
