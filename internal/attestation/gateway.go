package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

const (
	// ActionAttest registers endpoint evidence and returns a token.
	ActionAttest = "attest"
	// ActionTrust returns the token of an attested endpoint.
	ActionTrust = "trust"
)

const (
	gatewayReadTimeout  = 30 * time.Second
	gatewayWriteTimeout = 10 * time.Second
	maxGatewayRequest   = 64 * 1024
)

// ErrNotAttested is the reason given when no endpoint has attested at
// the requested address.
var ErrNotAttested = errors.New("endpoint not attested")

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// request is the gateway wire request.
type request struct {
	Action          string    `cbor:"action"`
	Evidence        *Evidence `cbor:"evidence,omitempty"`
	EndpointAddress string    `cbor:"endpoint_address,omitempty"`
}

// response is the gateway wire envelope.
type response struct {
	OK    bool   `cbor:"ok"`
	Error string `cbor:"error,omitempty"`
	Token string `cbor:"token,omitempty"`
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Policy is the policy attested endpoints must enforce.
	Policy *policy.Document

	// SigningKey signs trust tokens. A fresh key is generated when nil.
	SigningKey ed25519.PrivateKey

	// TokenTTL bounds token lifetime. Defaults to DefaultTokenTTL.
	TokenTTL time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Gateway is the attestation service. It accepts one CBOR request per
// TCP connection.
type Gateway struct {
	doc        *policy.Document
	policyHash string
	key        ed25519.PrivateKey
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger

	listener net.Listener
	ready    chan struct{}

	mu     sync.Mutex
	tokens map[string]string
	nonces map[string]struct{}

	activeConnections sync.WaitGroup
}

// NewGateway builds a gateway for cfg.Policy. Call Listen, then Serve.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Policy == nil {
		return nil, errors.New("gateway requires a policy")
	}
	hash, err := cfg.Policy.Hash()
	if err != nil {
		return nil, err
	}
	key := cfg.SigningKey
	if key == nil {
		if _, key, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, fmt.Errorf("generate gateway key: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		doc:        cfg.Policy,
		policyHash: hash,
		key:        key,
		ttl:        ttl,
		now:        now,
		logger:     logger,
		ready:      make(chan struct{}),
		tokens:     make(map[string]string),
		nonces:     make(map[string]struct{}),
	}, nil
}

// PublicKey returns the key participants verify tokens with.
func (g *Gateway) PublicKey() ed25519.PublicKey {
	return g.key.Public().(ed25519.PublicKey)
}

// Listen binds the gateway's TCP listener. addr may use port 0.
func (g *Gateway) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	g.listener = listener
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Ready is closed once the gateway is accepting connections.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight requests to finish.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.listener == nil {
		return errors.New("gateway: Serve called before Listen")
	}
	listener := g.listener
	defer listener.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	g.logger.Info("attestation gateway listening", "addr", listener.Addr().String())
	close(g.ready)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			g.logger.Error("accept failed", "error", err)
			continue
		}
		g.activeConnections.Add(1)
		go func() {
			defer g.activeConnections.Done()
			g.handleConnection(conn)
		}()
	}

	g.activeConnections.Wait()
	return nil
}

func (g *Gateway) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(gatewayReadTimeout))
	var req request
	if err := protocol.NewDecoder(io.LimitReader(conn, maxGatewayRequest)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		g.write(conn, response{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	var (
		token string
		err   error
	)
	switch req.Action {
	case ActionAttest:
		token, err = g.attest(req.Evidence)
	case ActionTrust:
		token, err = g.trust(req.EndpointAddress)
	case "":
		err = errors.New("missing required field: action")
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}
	if err != nil {
		g.logger.Debug("gateway action failed", "action", req.Action, "error", err)
		g.write(conn, response{Error: err.Error()})
		return
	}
	g.write(conn, response{OK: true, Token: token})
}

func (g *Gateway) write(conn net.Conn, resp response) {
	conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	if err := protocol.NewEncoder(conn).Encode(resp); err != nil {
		g.logger.Debug("failed to write gateway response", "error", err)
	}
}

// attest checks evidence against the policy and records the issued
// token under both the declared and the actual endpoint address.
func (g *Gateway) attest(ev *Evidence) (string, error) {
	if ev == nil {
		return "", errors.New("missing required field: evidence")
	}
	if err := g.checkEvidence(ev); err != nil {
		g.logger.Warn("evidence rejected",
			"platform", ev.Platform,
			"endpoint", ev.EndpointAddress,
			"error", err,
		)
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	nonce := hex.EncodeToString(ev.Nonce)
	if _, replay := g.nonces[nonce]; replay {
		return "", errors.New("evidence nonce already used")
	}

	token, err := issueToken(g.key, *ev, g.now(), g.ttl)
	if err != nil {
		return "", err
	}
	g.nonces[nonce] = struct{}{}
	g.tokens[g.doc.EndpointAddress] = token
	g.tokens[ev.EndpointAddress] = token

	g.logger.Info("endpoint attested",
		"platform", ev.Platform,
		"endpoint", ev.EndpointAddress,
		"measurement", ev.Measurement,
	)
	return token, nil
}

func (g *Gateway) checkEvidence(ev *Evidence) error {
	expected, ok := g.doc.RuntimeHashes[ev.Platform]
	if !ok {
		return fmt.Errorf("platform %q not accepted by policy", ev.Platform)
	}
	if ev.Format != FormatFor(ev.Platform) {
		return fmt.Errorf("evidence format %q invalid for platform %s", ev.Format, ev.Platform)
	}
	if ev.Measurement != expected {
		return fmt.Errorf("runtime measurement %s does not match policy", ev.Measurement)
	}
	if ev.PolicyHash != g.policyHash {
		return errors.New("endpoint enforces a different policy")
	}
	if !AddressMatches(g.doc.EndpointAddress, ev.EndpointAddress) {
		return fmt.Errorf("endpoint address %s does not match policy address %s", ev.EndpointAddress, g.doc.EndpointAddress)
	}
	if !fingerprintPattern.MatchString(ev.CertFingerprint) {
		return errors.New("evidence carries no valid certificate fingerprint")
	}
	if len(ev.Nonce) < 16 {
		return errors.New("evidence nonce too short")
	}
	return nil
}

func (g *Gateway) trust(address string) (string, error) {
	if address == "" {
		address = g.doc.EndpointAddress
	}
	g.mu.Lock()
	token, ok := g.tokens[address]
	g.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w at %s", ErrNotAttested, address)
	}
	return token, nil
}
