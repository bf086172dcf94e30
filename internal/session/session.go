package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/conclave/internal/attestation"
	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 2 * time.Minute
)

// Config configures Dial.
type Config struct {
	Policy   *policy.Document
	Platform policy.Platform

	// Identity names the participant in Policy.
	Identity string

	// Credential is the participant's certificate and key. Its
	// fingerprint must match the policy entry for Identity.
	Credential *pki.Credential

	// Gateway is asked for the endpoint's trust token.
	Gateway *attestation.Client

	// DialTimeout bounds trust establishment, the TLS handshake and the
	// hello exchange together.
	DialTimeout time.Duration

	// RequestTimeout bounds a single request when the caller's context
	// carries no deadline.
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Session is one participant's channel to the compute endpoint. It is
// single-owner: a call made while another is in progress fails with
// ErrSessionBusy.
type Session struct {
	identity string
	access   policy.Access
	token    *attestation.TrustToken
	required int
	timeout  time.Duration
	logger   *slog.Logger

	conn *protocol.Conn
	busy atomic.Bool

	mu        sync.Mutex
	state     State
	sentSlots map[int]bool
}

// Dial establishes trust in the endpoint and opens a session for
// cfg.Identity.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	identity := policy.NormalizeIdentity(cfg.Identity)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	token, err := cfg.Gateway.EstablishTrust(ctx, cfg.Policy.EndpointAddress)
	if err != nil {
		return nil, fmt.Errorf("session %q: %w", identity, err)
	}
	if err := token.Check(cfg.Policy, cfg.Platform); err != nil {
		return nil, fmt.Errorf("session %q: %w", identity, err)
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			Certificates: []tls.Certificate{cfg.Credential.TLSCertificate()},
			// The endpoint certificate is ephemeral and self-signed. It is
			// trusted only if it is the one the gateway attested.
			InsecureSkipVerify:    true,
			VerifyPeerCertificate: pinnedCertificate(token.CertFingerprint),
		},
	}
	raw, err := dialer.DialContext(ctx, "tcp", token.EndpointAddress)
	if err != nil {
		return nil, fmt.Errorf("session %q: connecting to %s: %w", identity, token.EndpointAddress, err)
	}

	hash, err := cfg.Policy.Hash()
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("session %q: %w", identity, err)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Session{
		identity:  identity,
		access:    cfg.Policy.Access(identity),
		token:     token,
		timeout:   requestTimeout,
		logger:    logger.With("identity", identity),
		conn:      protocol.NewConn(raw),
		state:     StateConnected,
		sentSlots: make(map[int]bool),
	}

	resp, err := s.roundTrip(ctx, protocol.Request{Op: protocol.OpHello, PolicyHash: hash})
	if err != nil {
		s.conn.Close()
		return nil, err
	}
	if resp.Outcome != protocol.OutcomeAck {
		s.conn.Close()
		return nil, s.refusal(protocol.OpHello, resp)
	}
	var ack protocol.HelloAck
	if err := protocol.Unmarshal(resp.Data, &ack); err != nil {
		s.conn.Close()
		return nil, fmt.Errorf("session %q: decoding hello: %w", identity, err)
	}
	s.required = ack.RequiredSlots

	s.logger.Debug("session established", "endpoint", token.EndpointAddress, "required_slots", ack.RequiredSlots)
	return s, nil
}

func validateConfig(cfg Config) error {
	if cfg.Policy == nil {
		return fmt.Errorf("%w: policy is required", ErrConfig)
	}
	if cfg.Gateway == nil {
		return fmt.Errorf("%w: gateway client is required", ErrConfig)
	}
	if cfg.Credential == nil {
		return fmt.Errorf("%w: credential for %q is required", ErrConfig, cfg.Identity)
	}
	p, ok := cfg.Policy.Participant(cfg.Identity)
	if !ok {
		return fmt.Errorf("%w: identity %q is not named by the policy", ErrConfig, cfg.Identity)
	}
	if fp := cfg.Credential.Fingerprint(); fp != p.CertFingerprint {
		return fmt.Errorf("%w: certificate %s does not match the policy fingerprint of %q", ErrConfig, fp, p.Identity)
	}
	return nil
}

// pinnedCertificate accepts only a leaf certificate with the given
// fingerprint.
func pinnedCertificate(fingerprint string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return &attestation.Failure{Reason: "endpoint presented no certificate"}
		}
		if got := pki.Fingerprint(rawCerts[0]); got != fingerprint {
			return &attestation.Failure{Reason: fmt.Sprintf("endpoint certificate %s is not the attested certificate %s", got, fingerprint)}
		}
		return nil
	}
}

// Identity returns the participant identity.
func (s *Session) Identity() string {
	return s.identity
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the trust token the session was established with.
func (s *Session) Token() *attestation.TrustToken {
	return s.token
}

// RequiredSlots returns the number of data slots the endpoint expects.
func (s *Session) RequiredSlots() int {
	return s.required
}

// SendProgram provisions the program artifact.
func (s *Session) SendProgram(ctx context.Context, program []byte) error {
	const op = protocol.OpSubmitProgram
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	from := s.state
	s.mu.Unlock()
	switch {
	case !s.access.Program:
		return s.transition(op, from, "submit_program attempted by a non-program-role identity")
	case from != StateConnected:
		return s.transition(op, from, "program can only be sent once, first")
	}

	resp, err := s.roundTrip(ctx, protocol.Request{Op: op, Payload: program})
	if err != nil {
		return err
	}
	if resp.Outcome != protocol.OutcomeAck {
		return s.refusal(op, resp)
	}
	s.setState(StateProgramSent)
	return nil
}

// SendData provisions one data artifact into slot.
func (s *Session) SendData(ctx context.Context, slot int, data []byte) error {
	const op = protocol.OpSubmitData
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	from := s.state
	sent := s.sentSlots[slot]
	s.mu.Unlock()
	switch {
	case !s.access.Data:
		return s.transition(op, from, "submit_data attempted by a non-data-role identity")
	case !s.access.OwnsSlot(slot):
		return s.transition(op, from, fmt.Sprintf("slot %d is not owned by this identity", slot))
	case from != StateConnected && from != StateProgramSent && from != StateDataSent:
		return s.transition(op, from, "data must be sent before the result is fetched")
	case sent:
		return s.transition(op, from, fmt.Sprintf("slot %d already sent", slot))
	}

	resp, err := s.roundTrip(ctx, protocol.Request{Op: op, Slot: slot, Payload: data})
	if err != nil {
		return err
	}
	if resp.Outcome != protocol.OutcomeAck {
		return s.refusal(op, resp)
	}
	s.mu.Lock()
	s.sentSlots[slot] = true
	s.state = StateDataSent
	s.mu.Unlock()
	return nil
}

// FetchResult retrieves the computation result. It returns ErrPending
// while the endpoint is still waiting for artifacts.
func (s *Session) FetchResult(ctx context.Context) ([]byte, error) {
	const op = protocol.OpFetchResult
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	from := s.State()
	switch {
	case !s.access.Result:
		return nil, s.transition(op, from, "fetch_result attempted by a non-result-role identity")
	case !from.open():
		return nil, s.transition(op, from, "session is shutting down")
	}

	resp, err := s.roundTrip(ctx, protocol.Request{Op: op})
	if err != nil {
		return nil, err
	}
	switch resp.Outcome {
	case protocol.OutcomePending:
		return nil, ErrPending
	case protocol.OutcomeResult:
		s.setState(StateResultFetched)
		return resp.Data, nil
	default:
		return nil, s.refusal(op, resp)
	}
}

// RequestShutdown asks the endpoint to stop and closes the session.
func (s *Session) RequestShutdown(ctx context.Context) error {
	const op = protocol.OpRequestShutdown
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()

	if from := s.State(); !from.open() {
		return s.transition(op, from, "shutdown already requested")
	}

	resp, err := s.roundTrip(ctx, protocol.Request{Op: op})
	if err != nil {
		return err
	}
	if resp.Outcome != protocol.OutcomeAck {
		return s.refusal(op, resp)
	}
	s.setState(StateShutdownRequested)
	s.logger.Debug("shutdown requested")
	s.closeConn()
	return nil
}

// Send issues req without local role or state checks and returns the
// endpoint's response. It exists for conformance probes that verify the
// endpoint's own enforcement.
func (s *Session) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if err := s.acquire(); err != nil {
		return protocol.Response{}, err
	}
	defer s.release()

	if from := s.State(); !from.open() {
		return protocol.Response{}, s.transition(req.Op, from, "session is closed")
	}
	return s.roundTrip(ctx, req)
}

// Close releases the channel. Safe to call more than once.
func (s *Session) Close() error {
	return s.closeConn()
}

func (s *Session) closeConn() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Session) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("session %q: %w", s.identity, ErrSessionBusy)
	}
	return nil
}

func (s *Session) release() {
	s.busy.Store(false)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) transition(op protocol.Op, from State, reason string) error {
	return &TransitionError{Identity: s.identity, Op: op, From: from, Reason: reason}
}

func (s *Session) refusal(op protocol.Op, resp protocol.Response) error {
	if resp.Outcome != protocol.OutcomeRejected {
		return fmt.Errorf("session %q: unexpected %s outcome for %s", s.identity, resp.Outcome, op)
	}
	return &RejectedError{Identity: s.identity, Op: op, Code: resp.Code, Reason: resp.Reason}
}

// roundTrip writes req and reads its response. A broken channel closes
// the session.
func (s *Session) roundTrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.timeout)
	}
	err := s.conn.NetConn().SetDeadline(deadline)
	if err == nil {
		// Set before the cancellation hook so a cancelled context always
		// wins.
		stop := context.AfterFunc(ctx, func() {
			s.conn.NetConn().SetDeadline(time.Now())
		})
		defer stop()
	}

	var resp protocol.Response
	if err == nil {
		err = s.conn.Write(req, time.Time{})
	}
	if err == nil {
		err = s.conn.Read(&resp, time.Time{})
	}
	if err != nil {
		s.closeConn()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Response{}, fmt.Errorf("session %q: %s: %w", s.identity, req.Op, ctxErr)
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return protocol.Response{}, fmt.Errorf("session %q: %s: %w", s.identity, req.Op, err)
	}
	return resp, nil
}

// DecodeResult decodes a CBOR result payload into v.
func DecodeResult(data []byte, v any) error {
	if err := protocol.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}
	return nil
}
