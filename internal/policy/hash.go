package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Hash returns the lowercase hex SHA-256 of the document's canonical
// JSON form (RFC 8785). Two documents with the same content hash the
// same regardless of the source format, key order, or whitespace.
func (d *Document) Hash() (string, error) {
	canonical, err := d.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the RFC 8785 canonical JSON encoding of the document.
func (d *Document) Canonical() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize policy: %w", err)
	}
	return canonical, nil
}
