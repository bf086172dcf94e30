// Package orchestrator drives a whole session: it owns the attestation
// gateway and compute endpoint for the duration of a run, connects every
// participant, and schedules the program, data and result phases with
// explicit barriers between them.
//
// Causal order is carried by signals, never by sleeps. The program phase
// completes before any data is sent; every data assignment completes
// before any result is fetched. Hooks let tests inject further barriers
// to force a specific interleaving.
//
// The first failure of any participant aborts the run and is reported
// as a *PhaseError naming the participant and phase. The endpoint is
// asked to shut down on every exit path, and services the run started
// are always torn down.
package orchestrator
