// Package attestation implements the trust-establishment step that
// precedes all session traffic.
//
// A compute endpoint produces platform Evidence describing the runtime it
// runs, the policy it enforces, the address it serves on, and the
// certificate it presents. It registers that evidence with a Gateway,
// which checks it against the policy's accepted runtime measurements and
// answers with a signed TrustToken. Participants later ask the gateway
// for the token of the endpoint named in their policy, verify its
// signature, and check it against their own copy of the policy before
// opening a session.
//
// Evidence here is a measurement claim, not a hardware quote: quote
// verification is outside this package. The gateway is therefore the
// sole trust anchor and participants must know its public key.
package attestation
