package attestation

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/roach88/conclave/internal/policy"
)

// TokenIssuer is the issuer claim of every trust token.
const TokenIssuer = "conclave-gateway"

// DefaultTokenTTL is how long a trust token stays valid.
const DefaultTokenTTL = time.Hour

// TrustToken is the verified content of a gateway-signed token.
type TrustToken struct {
	EndpointAddress string
	Platform        policy.Platform
	Measurement     string
	PolicyHash      string
	CertFingerprint string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Raw             string
}

type trustClaims struct {
	jwt.RegisteredClaims
	EndpointAddress string `json:"endpoint_address"`
	Platform        string `json:"platform"`
	Measurement     string `json:"measurement"`
	PolicyHash      string `json:"policy_hash"`
	CertFingerprint string `json:"cert_fingerprint"`
}

func issueToken(key ed25519.PrivateKey, ev Evidence, now time.Time, ttl time.Duration) (string, error) {
	claims := trustClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   ev.EndpointAddress,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		EndpointAddress: ev.EndpointAddress,
		Platform:        string(ev.Platform),
		Measurement:     ev.Measurement,
		PolicyHash:      ev.PolicyHash,
		CertFingerprint: ev.CertFingerprint,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign trust token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks the signature, issuer, and lifetime of raw.
func VerifyToken(raw string, publicKey ed25519.PublicKey, now time.Time) (*TrustToken, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fail("gateway public key is not configured")
	}

	var claims trustClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return publicKey, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, &Failure{Reason: "trust token expired", Err: err}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, &Failure{Reason: "trust token signature invalid", Err: err}
		default:
			return nil, &Failure{Reason: "trust token invalid", Err: err}
		}
	}

	token := &TrustToken{
		EndpointAddress: claims.EndpointAddress,
		Platform:        policy.Platform(claims.Platform),
		Measurement:     claims.Measurement,
		PolicyHash:      claims.PolicyHash,
		CertFingerprint: claims.CertFingerprint,
		Raw:             raw,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	return token, nil
}

// Check verifies that the token vouches for the endpoint doc describes,
// running the runtime doc accepts for platform.
func (t *TrustToken) Check(doc *policy.Document, platform policy.Platform) error {
	hash, err := doc.Hash()
	if err != nil {
		return err
	}
	if t.PolicyHash != hash {
		return fail("endpoint enforces a different policy")
	}
	if t.Platform != platform {
		return fail("endpoint attested as %s, expected %s", t.Platform, platform)
	}
	expected, ok := doc.RuntimeHashes[platform]
	if !ok {
		return fail("policy accepts no runtime for platform %s", platform)
	}
	if t.Measurement != expected {
		return fail("runtime measurement %s does not match policy", t.Measurement)
	}
	if !AddressMatches(doc.EndpointAddress, t.EndpointAddress) {
		return fail("endpoint address %s does not match policy address %s", t.EndpointAddress, doc.EndpointAddress)
	}
	if t.CertFingerprint == "" {
		return fail("trust token carries no endpoint certificate")
	}
	return nil
}

// AddressMatches reports whether actual satisfies the declared address.
// Hosts must be equal; a declared port of 0 matches any port.
func AddressMatches(declared, actual string) bool {
	dHost, dPort, err := net.SplitHostPort(declared)
	if err != nil {
		return false
	}
	aHost, aPort, err := net.SplitHostPort(actual)
	if err != nil {
		return false
	}
	if dHost != aHost {
		return false
	}
	return dPort == "0" || dPort == aPort
}
