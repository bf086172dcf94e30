// Package pki mints the short-lived credentials participants and the
// compute endpoint authenticate with, and computes the certificate
// fingerprints policies refer to.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// KeyType selects the signature algorithm of a minted credential.
type KeyType string

const (
	KeyEd25519 KeyType = "ed25519"
	KeyECDSA   KeyType = "ecdsa-p256"
)

// DefaultValidity is the lifetime of a minted certificate.
const DefaultValidity = 24 * time.Hour

// Credential is a certificate and its private key.
type Credential struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
}

// Options controls credential minting. The zero value mints an Ed25519
// credential valid for DefaultValidity from now.
type Options struct {
	KeyType  KeyType
	Validity time.Duration
	Now      func() time.Time
	DNSNames []string
}

// Generate mints a self-signed credential for commonName.
func Generate(commonName string, opts Options) (*Credential, error) {
	if commonName == "" {
		return nil, errors.New("common name is required")
	}
	key, err := newKey(opts.KeyType)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	validity := opts.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	notBefore := now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageServerAuth,
		},
		DNSNames:              opts.DNSNames,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Credential{Certificate: cert, PrivateKey: key}, nil
}

func newKey(kind KeyType) (crypto.Signer, error) {
	switch kind {
	case "", KeyEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		return key, nil
	case KeyECDSA:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ecdsa key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unknown key type %q", kind)
	}
}

// Fingerprint returns the lowercase hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the fingerprint of the credential's certificate.
func (c *Credential) Fingerprint() string {
	return Fingerprint(c.Certificate.Raw)
}

// TLSCertificate returns the credential in the form crypto/tls expects.
func (c *Credential) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.Certificate.Raw},
		PrivateKey:  c.PrivateKey,
		Leaf:        c.Certificate,
	}
}

// EncodePEM returns the certificate and PKCS#8 private key as PEM blocks.
func (c *Credential) EncodePEM() (certPEM, keyPEM []byte, err error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(c.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Certificate.Raw})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// ParsePEM decodes a credential from PEM-encoded certificate and key.
func ParsePEM(certPEM, keyPEM []byte) (*Credential, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE block found")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("no private key block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	if !publicKeysEqual(cert.PublicKey, key.Public()) {
		return nil, errors.New("private key does not match certificate")
	}
	return &Credential{Certificate: cert, PrivateKey: key}, nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	eq, ok := a.(equaler)
	return ok && eq.Equal(b)
}

// LoadFiles reads a credential from a certificate file and a key file.
func LoadFiles(certPath, keyPath string) (*Credential, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	cred, err := ParsePEM(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", certPath, err)
	}
	return cred, nil
}

// WriteFiles stores the credential as <dir>/<name>.crt and
// <dir>/<name>.key and returns both paths. The key file is written with
// mode 0600.
func (c *Credential) WriteFiles(dir, name string) (certPath, keyPath string, err error) {
	certPEM, keyPEM, err := c.EncodePEM()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	return certPath, keyPath, nil
}
