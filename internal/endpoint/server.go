package endpoint

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/roach88/conclave/internal/attestation"
	"github.com/roach88/conclave/internal/audit"
	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

const (
	defaultIdleTimeout      = 5 * time.Minute
	defaultWriteTimeout     = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// DefaultRuntimeImage is the runtime an endpoint measures when
// Config.RuntimeImage is empty. Policies list its measurement under
// runtime_hashes.
var DefaultRuntimeImage = []byte("conclave-endpoint/wazero-wasi-preview1")

// Config configures a Server.
type Config struct {
	Policy   *policy.Document
	Platform policy.Platform

	// RuntimeImage is the runtime the endpoint measures and attests to.
	// Defaults to DefaultRuntimeImage.
	RuntimeImage []byte

	Executor executor.Executor

	// Gateway registers the endpoint's evidence.
	Gateway *attestation.Client

	// ListenAddress defaults to the policy's endpoint_address.
	ListenAddress string

	// Credential is the server certificate. An ephemeral one is minted
	// when nil.
	Credential *pki.Credential

	// Recorder receives one entry per request. Optional.
	Recorder *audit.Recorder
	RunID    string

	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server is a compute endpoint serving one session.
type Server struct {
	cfg      Config
	state    *State
	cred     *pki.Credential
	attester attestation.Attester
	logger   *slog.Logger

	listener net.Listener
	token    *attestation.TrustToken
	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	closing  bool
	conns    map[*protocol.Conn]struct{}
	serveErr error

	handlers sync.WaitGroup
	done     chan struct{}
}

// New validates cfg and builds a server. Call Start to serve.
func New(cfg Config) (*Server, error) {
	if cfg.Policy == nil {
		return nil, errors.New("endpoint: policy is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("endpoint: gateway client is required")
	}
	state, err := NewState(cfg.Policy, cfg.Executor)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}
	if len(cfg.RuntimeImage) == 0 {
		cfg.RuntimeImage = DefaultRuntimeImage
	}
	attester, err := attestation.NewAttester(cfg.Platform, cfg.RuntimeImage)
	if err != nil {
		return nil, fmt.Errorf("endpoint: %w", err)
	}

	cred := cfg.Credential
	if cred == nil {
		cred, err = pki.Generate("conclave-endpoint", pki.Options{})
		if err != nil {
			return nil, fmt.Errorf("endpoint: %w", err)
		}
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = cfg.Policy.EndpointAddress
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Server{
		cfg:      cfg,
		state:    state,
		cred:     cred,
		attester: attester,
		logger:   logger.With("component", "endpoint"),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
		conns:    make(map[*protocol.Conn]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// State returns the enforcement core.
func (s *Server) State() *State {
	return s.state
}

// Ready is closed once the endpoint has attested and accepts sessions.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Token returns the trust token the gateway issued. Valid after Start.
func (s *Server) Token() *attestation.TrustToken {
	return s.token
}

// Start binds the listener, registers evidence with the gateway, and
// only then starts accepting connections. It returns once the endpoint
// is ready or bootstrap failed. On failure nothing keeps running.
//
// ctx bounds the bootstrap only. The server runs until a participant
// requests shutdown or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	tlsConfig := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{s.cred.TLSCertificate()},
		// Participants present self-signed certificates; identity comes
		// from the fingerprint match against the policy.
		ClientAuth: tls.RequireAnyClientCert,
	}

	raw, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("endpoint: listening on %s: %w", s.cfg.ListenAddress, err)
	}

	address := raw.Addr().String()
	evidence, err := s.attester.Evidence(s.state.PolicyHash(), address, s.cred.Fingerprint())
	if err != nil {
		raw.Close()
		return fmt.Errorf("endpoint: %w", err)
	}
	token, err := s.cfg.Gateway.Register(ctx, evidence)
	if err != nil {
		raw.Close()
		return fmt.Errorf("endpoint: trust bootstrap: %w", err)
	}

	s.token = token
	s.listener = tls.NewListener(raw, tlsConfig)
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.BeginRun(s.cfg.RunID, s.state.PolicyHash(), string(s.cfg.Platform))
	}

	s.logger.Info("endpoint ready",
		"addr", address,
		"platform", s.cfg.Platform,
		"measurement", s.attester.Measurement(),
		"required_slots", s.state.RequiredSlots(),
	)

	go s.watch()
	go s.acceptLoop()
	close(s.ready)
	return nil
}

// watch begins teardown on a shutdown request or a local Shutdown.
func (s *Server) watch() {
	select {
	case <-s.state.ShuttingDown():
		s.logger.Info("shutdown requested by participant")
	case <-s.stop:
	case <-s.done:
		return
	}
	s.beginClose()
}

// Shutdown stops the endpoint without a participant request and aborts
// a running execution. Safe to call more than once and before Start.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.state.Close()
	if s.listener == nil {
		return
	}
	s.beginClose()
}

// beginClose stops accepting and wakes idle connections. In-flight
// requests complete and their responses are written.
func (s *Server) beginClose() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	conns := make([]*protocol.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.listener.Close()
	for _, c := range conns {
		c.SetReadDeadline(time.Now())
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Wait blocks until the accept loop and every connection handler have
// exited, and returns the first serve error.
func (s *Server) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Done is closed when Wait would return.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) acceptLoop() {
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.mu.Lock()
			s.serveErr = fmt.Errorf("endpoint: accept: %w", err)
			s.mu.Unlock()
			s.beginClose()
			break
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConnection(conn)
		}()
	}

	s.handlers.Wait()
	s.state.Close()
	if s.cfg.Recorder != nil {
		outcome := "completed"
		select {
		case <-s.state.ShuttingDown():
		default:
			outcome = "stopped"
		}
		s.cfg.Recorder.FinishRun(s.cfg.RunID, outcome)
	}
	s.logger.Info("endpoint stopped")
}

func (s *Server) track(c *protocol.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *protocol.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConnection(raw net.Conn) {
	defer raw.Close()

	tlsConn, ok := raw.(*tls.Conn)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultHandshakeTimeout)
	err := tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		s.logger.Debug("tls handshake failed", "remote", raw.RemoteAddr().String(), "error", err)
		return
	}

	peers := tlsConn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return
	}
	fingerprint := pki.Fingerprint(peers[0].Raw)
	identity, known := s.state.Identify(fingerprint)
	if !known {
		s.logger.Warn("connection from unknown certificate", "fingerprint", fingerprint)
		s.record(audit.Entry{
			Op:      "connect",
			Outcome: string(protocol.OutcomeRejected),
			Code:    string(protocol.CodeNotAuthorized),
			Reason:  "certificate fingerprint " + fingerprint + " is not named by the policy",
		})
		return
	}

	conn := protocol.NewConn(tlsConn)
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	logger := s.logger.With("identity", identity)
	logger.Debug("session connected")

	greeted := false
	for {
		// The deadline is set before the closing check so a concurrent
		// beginClose always overrides it.
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if s.isClosing() {
			return
		}
		var req protocol.Request
		if err := conn.Read(&req, time.Time{}); err != nil {
			if !errors.Is(err, io.EOF) && !s.isClosing() {
				logger.Debug("session read ended", "error", err)
			}
			return
		}

		resp, closeAfter := s.dispatch(identity, greeted, req)
		if req.Op == protocol.OpHello && resp.Outcome == protocol.OutcomeAck {
			greeted = true
		}
		s.audit(identity, req, resp)
		if resp.Outcome == protocol.OutcomeRejected {
			logger.Info("request rejected", "op", req.Op, "code", resp.Code, "reason", resp.Reason)
		}

		if err := conn.Write(resp, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			logger.Debug("session write failed", "error", err)
			return
		}
		if closeAfter {
			return
		}
	}
}

// dispatch maps one request to its response. closeAfter is set when the
// connection must not carry further traffic.
func (s *Server) dispatch(identity string, greeted bool, req protocol.Request) (resp protocol.Response, closeAfter bool) {
	if !req.Op.Valid() {
		return protocol.Rejected(protocol.CodeBadRequest, "unknown operation %q", req.Op), false
	}
	if req.Op == protocol.OpHello {
		if err := s.state.Hello(identity, req.PolicyHash); err != nil {
			return responseFor(err), true
		}
		ack := protocol.HelloAck{Identity: identity, RequiredSlots: s.state.RequiredSlots()}
		data, err := protocol.Marshal(ack)
		if err != nil {
			return protocol.Rejected(protocol.CodeBadRequest, "encode hello: %v", err), true
		}
		return protocol.Response{Outcome: protocol.OutcomeAck, Data: data}, false
	}
	if !greeted {
		return protocol.Rejected(protocol.CodeBadRequest, "hello required before %s", req.Op), false
	}

	switch req.Op {
	case protocol.OpSubmitProgram:
		if err := s.state.SubmitProgram(identity, req.Payload); err != nil {
			return responseFor(err), false
		}
		s.logger.Info("program provisioned", "identity", identity, "bytes", len(req.Payload))
		return protocol.Ack(), false

	case protocol.OpSubmitData:
		if err := s.state.SubmitData(identity, req.Slot, req.Payload); err != nil {
			return responseFor(err), false
		}
		s.logger.Info("data provisioned", "identity", identity, "slot", req.Slot, "bytes", len(req.Payload))
		return protocol.Ack(), false

	case protocol.OpFetchResult:
		result, err := s.state.FetchResult(context.Background(), identity)
		if err != nil {
			return responseFor(err), false
		}
		return protocol.Result(result), false

	case protocol.OpRequestShutdown:
		first, err := s.state.RequestShutdown(identity)
		if err != nil {
			return responseFor(err), false
		}
		if first {
			s.logger.Info("shutdown latched", "identity", identity)
		}
		return protocol.Ack(), true
	}
	return protocol.Rejected(protocol.CodeBadRequest, "unhandled operation %q", req.Op), false
}

func responseFor(err error) protocol.Response {
	var r *Rejection
	switch {
	case errors.As(err, &r):
		return protocol.Response{Outcome: protocol.OutcomeRejected, Code: r.Code, Reason: r.Reason}
	case errors.Is(err, ErrPending):
		return protocol.Pending()
	default:
		return protocol.Rejected(protocol.CodeShuttingDown, "%v", err)
	}
}

func (s *Server) audit(identity string, req protocol.Request, resp protocol.Response) {
	entry := audit.Entry{
		Identity: identity,
		Op:       string(req.Op),
		Outcome:  string(resp.Outcome),
		Code:     string(resp.Code),
		Reason:   resp.Reason,
	}
	switch req.Op {
	case protocol.OpSubmitProgram:
		entry.Artifact = cloneNonNil(req.Payload)
	case protocol.OpSubmitData:
		slot := req.Slot
		entry.Slot = &slot
		entry.Artifact = cloneNonNil(req.Payload)
	}
	s.record(entry)
}

func (s *Server) record(entry audit.Entry) {
	if s.cfg.Recorder == nil {
		return
	}
	entry.RunID = s.cfg.RunID
	s.cfg.Recorder.Record(entry)
}
