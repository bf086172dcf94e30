// Package harness runs conformance scenarios against a real gateway,
// endpoint and set of participant sessions.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: three_party_sum
//	description: "What this scenario validates"
//	policy:
//	  participants:
//	    - { identity: alice, roles: [program] }
//	    - { identity: bob, roles: [data], data_slots: [0] }
//	    - { identity: carol, roles: [result] }
//	program: { identity: alice, artifact: sum }
//	data:
//	  - { identity: bob, slot: 0, artifact: "5" }
//	retrievers: [carol]
//	probes:
//	  - { before: program, identity: bob, op: submit_data, artifact: "5", expect: out_of_order }
//	expect:
//	  outcome: ok
//	  results: { carol: 5 }
//	assertions:
//	  - type: trace_contains
//	    op: submit_data
//	    identity: bob
//	    code: out_of_order
//	  - type: final_state
//	    table: runs
//	    expect: { outcome: completed }
//
// The harness mints a credential for every participant and completes
// the policy with their fingerprints, a loopback endpoint address and
// the mock runtime measurement.
//
// # Assertion Types
//
//   - trace_contains: a recorded request matches the filter
//   - trace_order: ops first appear in the given order
//   - trace_count: exactly count recorded requests match the filter
//   - final_state: a row of the audit store holds the expected values
//
// # Deterministic Testing
//
// Programs are interpreted by testutil.Executor, audit entries are
// stamped by testutil.DeterministicClock, and the run ID is fixed. The
// golden snapshot holds step outcomes in phase order and the decoded
// results, so it is stable across schedules and runs.
package harness
