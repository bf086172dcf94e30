// Package session implements the participant side of the session
// protocol.
//
// A Session is one participant's exclusively owned, mutually
// authenticated channel to a compute endpoint. Dial establishes trust
// through the attestation gateway before any session traffic, pins the
// endpoint certificate the gateway vouched for, and greets the endpoint
// with the policy hash the participant enforces.
//
// The session tracks a small state machine:
//
//	Connected -> ProgramSent            program role, once
//	Connected|ProgramSent|DataSent -> DataSent   data role, once per owned slot
//	any -> ResultFetched                result role, repeatable
//	any -> ShutdownRequested -> Closed
//
// A call outside the permitted role or state returns a *TransitionError
// without touching the network. A refusal by the endpoint returns a
// *RejectedError and leaves the state unchanged.
package session
