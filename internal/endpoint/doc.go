// Package endpoint implements the compute endpoint: the attested server
// that enforces a policy's roles and ordering over mutually
// authenticated connections, stores submitted artifacts, runs the
// program once all of them are present, and serves the result to
// authorized retrievers.
//
// State holds the enforcement logic and is independent of the network.
// Server wraps it in a TLS 1.3 listener that identifies each peer by its
// certificate fingerprint, registers with the attestation gateway before
// accepting any traffic, and stops accepting once any participant
// requests shutdown.
//
// # Connection Protocol
//
// Each connection carries length-prefixed CBOR request/response pairs
// (see package protocol). The first request must be hello, carrying the
// participant's policy hash; a mismatch rejects the hello, locks the
// identity out, and closes the connection.
package endpoint
