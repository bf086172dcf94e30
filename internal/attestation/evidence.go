package attestation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/roach88/conclave/internal/policy"
)

// Evidence is what an endpoint presents to the gateway.
type Evidence struct {
	Platform        policy.Platform `cbor:"platform"`
	Format          string          `cbor:"format"`
	Measurement     string          `cbor:"measurement"`
	PolicyHash      string          `cbor:"policy_hash"`
	EndpointAddress string          `cbor:"endpoint_address"`
	CertFingerprint string          `cbor:"cert_fingerprint"`
	Nonce           []byte          `cbor:"nonce"`
}

// Attester produces evidence for one platform.
type Attester interface {
	Platform() policy.Platform
	Measurement() string
	Evidence(policyHash, endpointAddress, certFingerprint string) (Evidence, error)
}

type variant struct {
	format string
	label  string
}

var variants = map[policy.Platform]variant{
	policy.PlatformMock:      {format: "mock-measurement", label: ""},
	policy.PlatformSGX:       {format: "sgx-mrenclave", label: "sgx-enclave-image"},
	policy.PlatformTrustZone: {format: "psa-token", label: "trustzone-trusted-app"},
	policy.PlatformNitro:     {format: "nitro-pcr0", label: "nitro-enclave-image"},
}

// FormatFor returns the evidence format label of platform.
func FormatFor(platform policy.Platform) string {
	return variants[platform].format
}

// MeasureRuntime derives the measurement platform reports for a runtime
// image. The mock platform measures the image's plain SHA-256; the
// others domain-separate the digest by platform so the same image never
// yields the same measurement on two platforms.
func MeasureRuntime(platform policy.Platform, runtimeImage []byte) (string, error) {
	v, ok := variants[platform]
	if !ok {
		return "", fmt.Errorf("unknown platform %q", platform)
	}
	h := sha256.New()
	if v.label != "" {
		h.Write([]byte(v.label))
		h.Write([]byte{0})
	}
	h.Write(runtimeImage)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type attester struct {
	platform    policy.Platform
	measurement string
}

// NewAttester returns the attester of platform for a runtime image.
func NewAttester(platform policy.Platform, runtimeImage []byte) (Attester, error) {
	measurement, err := MeasureRuntime(platform, runtimeImage)
	if err != nil {
		return nil, err
	}
	return &attester{platform: platform, measurement: measurement}, nil
}

func (a *attester) Platform() policy.Platform { return a.platform }

func (a *attester) Measurement() string { return a.measurement }

func (a *attester) Evidence(policyHash, endpointAddress, certFingerprint string) (Evidence, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return Evidence{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Evidence{
		Platform:        a.platform,
		Format:          FormatFor(a.platform),
		Measurement:     a.measurement,
		PolicyHash:      policyHash,
		EndpointAddress: endpointAddress,
		CertFingerprint: certFingerprint,
		Nonce:           nonce,
	}, nil
}
