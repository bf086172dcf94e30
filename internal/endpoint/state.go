package endpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

// State is the network-free core of a compute endpoint: the session
// registry, the artifact store, the execution cache, and the shutdown
// latch. It is safe for concurrent use by any number of connection
// handlers.
type State struct {
	doc        *policy.Document
	policyHash string
	executor   executor.Executor

	// registry is derived once and never mutated.
	registry map[string]policy.Access
	required int

	// life bounds program execution. Close cancels it.
	life  context.Context
	abort context.CancelFunc

	mu        sync.Mutex
	lockedOut map[string]bool
	program   []byte
	slots     map[int][]byte
	exec      *execution

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// execution is the write-once result cache. done is closed after result
// and err are set.
type execution struct {
	done   chan struct{}
	result []byte
	err    error
}

// NewState derives the registry from doc.
func NewState(doc *policy.Document, exec executor.Executor) (*State, error) {
	if doc == nil {
		return nil, errors.New("endpoint state requires a policy")
	}
	if exec == nil {
		return nil, errors.New("endpoint state requires an executor")
	}
	hash, err := doc.Hash()
	if err != nil {
		return nil, err
	}

	life, abort := context.WithCancel(context.Background())
	s := &State{
		doc:        doc,
		policyHash: hash,
		executor:   exec,
		registry:   make(map[string]policy.Access, len(doc.Participants)),
		required:   doc.RequiredSlots(),
		life:       life,
		abort:      abort,
		lockedOut:  make(map[string]bool),
		slots:      make(map[int][]byte),
		shutdown:   make(chan struct{}),
	}
	for _, p := range doc.Participants {
		s.registry[p.Identity] = doc.Access(p.Identity)
	}
	return s, nil
}

// PolicyHash returns the canonical hash of the enforced policy.
func (s *State) PolicyHash() string {
	return s.policyHash
}

// RequiredSlots returns the number of data slots the program needs.
func (s *State) RequiredSlots() int {
	return s.required
}

// Identify resolves a certificate fingerprint to a participant identity.
func (s *State) Identify(fingerprint string) (string, bool) {
	p, ok := s.doc.ByFingerprint(fingerprint)
	return p.Identity, ok
}

// authorize returns the access of identity, rejecting unknown and
// locked-out identities. Callers hold no lock.
func (s *State) authorize(op protocol.Op, identity string) (policy.Access, error) {
	access, ok := s.registry[identity]
	if !ok {
		return policy.Access{}, reject(op, protocol.CodeNotAuthorized, "identity %q is not named by the policy", identity)
	}
	s.mu.Lock()
	locked := s.lockedOut[identity]
	s.mu.Unlock()
	if locked {
		return policy.Access{}, reject(op, protocol.CodeNotAuthorized, "identity %q failed trust establishment", identity)
	}
	return access, nil
}

// Hello checks that the participant enforces the same policy as the
// endpoint. A mismatch locks the identity out for the endpoint's
// lifetime.
func (s *State) Hello(identity, policyHash string) error {
	if _, ok := s.registry[identity]; !ok {
		return reject(protocol.OpHello, protocol.CodeNotAuthorized, "identity %q is not named by the policy", identity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockedOut[identity] {
		return reject(protocol.OpHello, protocol.CodePolicyMismatch, "identity %q is locked out", identity)
	}
	if policyHash != s.policyHash {
		s.lockedOut[identity] = true
		return reject(protocol.OpHello, protocol.CodePolicyMismatch, "participant policy %s differs from endpoint policy", shortHash(policyHash))
	}
	return nil
}

// SubmitProgram stores the program artifact. The program slot is
// write-once.
func (s *State) SubmitProgram(identity string, program []byte) error {
	const op = protocol.OpSubmitProgram

	access, err := s.authorize(op, identity)
	if err != nil {
		return err
	}
	if !access.Program {
		return reject(op, protocol.CodeNotAuthorized, "submit_program attempted by %q, which lacks the program role", identity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.program != nil {
		return reject(op, protocol.CodeAlreadyProvisioned, "program artifact already provisioned")
	}
	if s.doc.ProgramHash != "" {
		sum := sha256.Sum256(program)
		if got := hex.EncodeToString(sum[:]); got != s.doc.ProgramHash {
			return reject(op, protocol.CodeHashMismatch, "program hash %s does not match policy hash %s", shortHash(got), shortHash(s.doc.ProgramHash))
		}
	}
	s.program = cloneNonNil(program)
	return nil
}

// SubmitData stores a data artifact in slot. Every slot is write-once
// and accepts data only after the program is present.
func (s *State) SubmitData(identity string, slot int, data []byte) error {
	const op = protocol.OpSubmitData

	access, err := s.authorize(op, identity)
	if err != nil {
		return err
	}
	if !access.Data {
		return reject(op, protocol.CodeNotAuthorized, "submit_data attempted by %q, which lacks the data role", identity)
	}
	if slot < 0 || slot >= s.required {
		return reject(op, protocol.CodeUnknownSlot, "slot %d is not declared by the policy", slot)
	}
	if !access.OwnsSlot(slot) {
		owner, _ := s.doc.SlotOwner(slot)
		return reject(op, protocol.CodeNotAuthorized, "slot %d is not owned by %q but by %q", slot, identity, owner)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.program == nil {
		return reject(op, protocol.CodeOutOfOrder, "data submitted before the program artifact")
	}
	if _, filled := s.slots[slot]; filled {
		return reject(op, protocol.CodeAlreadyProvisioned, "slot %d already provisioned", slot)
	}
	s.slots[slot] = cloneNonNil(data)
	return nil
}

// FetchResult returns the computation result. It returns ErrPending
// while any artifact is missing. The program runs at most once; later
// and concurrent callers receive the cached outcome. A failed execution
// is cached too and reported as an execution_failed rejection.
//
// The caller that triggers the execution runs it until it finishes or
// Close aborts it. ctx bounds only how long other callers wait for it.
func (s *State) FetchResult(ctx context.Context, identity string) ([]byte, error) {
	const op = protocol.OpFetchResult

	access, err := s.authorize(op, identity)
	if err != nil {
		return nil, err
	}
	if !access.Result {
		return nil, reject(op, protocol.CodeNotAuthorized, "fetch_result attempted by %q, which lacks the result role", identity)
	}

	s.mu.Lock()
	if s.program == nil || len(s.slots) < s.required {
		s.mu.Unlock()
		return nil, ErrPending
	}
	e := s.exec
	first := e == nil
	if first {
		e = &execution{done: make(chan struct{})}
		s.exec = e
	}
	program := s.program
	inputs := make([][]byte, s.required)
	for i := range inputs {
		inputs[i] = s.slots[i]
	}
	s.mu.Unlock()

	if first {
		e.result, e.err = s.run(s.life, program, inputs)
		close(e.done)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, reject(op, protocol.CodeExecutionFailed, "%v", e.err)
	}
	return e.result, nil
}

func (s *State) run(ctx context.Context, program []byte, inputs [][]byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return s.executor.Execute(ctx, program, inputs)
}

// Executed reports whether the program has finished running.
func (s *State) Executed() bool {
	s.mu.Lock()
	e := s.exec
	s.mu.Unlock()
	if e == nil {
		return false
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// RequestShutdown latches the shutdown flag. first is true only for the
// call that acted; later calls are no-ops.
func (s *State) RequestShutdown(identity string) (first bool, err error) {
	if _, err := s.authorize(protocol.OpRequestShutdown, identity); err != nil {
		return false, err
	}
	s.shutdownOnce.Do(func() {
		first = true
		close(s.shutdown)
	})
	return first, nil
}

// ShuttingDown is closed once shutdown has been requested.
func (s *State) ShuttingDown() <-chan struct{} {
	return s.shutdown
}

// Close aborts a running execution and any later one. Fetchers waiting
// on it receive an execution_failed rejection. Safe to call more than
// once.
func (s *State) Close() {
	s.abort()
}

func cloneNonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "(none)"
	}
	return h
}
