// Package policy parses and validates conclave policy documents.
//
// A policy document is the declarative description of one computation
// session: who the participants are, which roles each holds, which
// certificate each authenticates with, where the attestation gateway
// and the compute endpoint live, and which runtime measurements the
// endpoint must attest to.
//
// # Document Format
//
// Policies are YAML, JSON, or JSON with comments:
//
//	attestation_endpoint: 127.0.0.1:3010
//	endpoint_address: 127.0.0.1:3011
//	program_hash: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
//	runtime_hashes:
//	  mock: 6b86b273ff34fce19d6b804eff5a3f5747ada4eaa22f1d49c01e52ddb7875b4b
//	participants:
//	  - identity: hospital-a
//	    roles: [program, data]
//	    data_slots: [0]
//	    cert_fingerprint: 3f0a...
//	  - identity: auditor
//	    roles: [result]
//	    cert_fingerprint: 8c1e...
//
// Decoding is strict: unknown fields are rejected so a misspelled key
// never silently weakens a policy. The decoded document is checked
// against an embedded CUE schema and then against the structural
// invariants below.
//
// # Structural Invariants
//
//   - The participant set is non-empty and identities are unique after
//     Unicode NFC normalisation.
//   - Certificate fingerprints are lowercase hex SHA-256 digests and no
//     two participants share one.
//   - A participant holds data_slots if and only if it holds the data
//     role; each slot has exactly one owner and the slots form 0..N-1.
//   - At least one participant holds the program role and at least one
//     holds the result role.
//
// Every violation is reported as an *Error wrapping ErrMalformed. These
// are configuration errors: they are detected before any network
// activity and are never retried.
package policy
