package orchestrator

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/conclave/internal/attestation"
	"github.com/roach88/conclave/internal/audit"
	"github.com/roach88/conclave/internal/endpoint"
	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/policy"
)

// Deployment is the gateway and endpoint a run talks to.
type Deployment interface {
	// Gateway returns a client for the attestation gateway.
	Gateway() *attestation.Client

	// Ready is closed once the endpoint accepts sessions.
	Ready() <-chan struct{}

	// Failed is closed if bootstrap fails. Err then returns the cause.
	Failed() <-chan struct{}
	Err() error
}

// LocalConfig configures StartLocal.
type LocalConfig struct {
	Policy   *policy.Document
	Platform policy.Platform

	// RuntimeImage is measured by the endpoint. Defaults to
	// endpoint.DefaultRuntimeImage.
	RuntimeImage []byte

	// Executor runs the program. A WASM executor following the policy's
	// execution strategy is created when nil.
	Executor executor.Executor

	// ExecutionTimeout bounds one run of the WASM program. Defaults to
	// DefaultExecutionTimeout. MemoryLimitBytes caps its linear memory;
	// zero leaves the wazero default.
	ExecutionTimeout time.Duration
	MemoryLimitBytes uint64

	Recorder *audit.Recorder
	RunID    string

	// GatewayAddress defaults to 127.0.0.1:0.
	GatewayAddress string

	// ListenAddress defaults to the policy's endpoint_address.
	ListenAddress string

	// SigningKey signs trust tokens. Generated when nil.
	SigningKey ed25519.PrivateKey

	Logger *slog.Logger
}

// Local is a gateway and endpoint running in this process.
type Local struct {
	gateway *attestation.Gateway
	server  *endpoint.Server
	client  *attestation.Client
	wasm    *executor.WASM
	logger  *slog.Logger

	cancelBootstrap context.CancelFunc
	cancelGateway   context.CancelFunc
	gatewayDone     chan error

	ready  chan struct{}
	failed chan struct{}
	err    error

	closeOnce sync.Once
	closeErr  error
}

// StartLocal starts a gateway and bootstraps an endpoint against it.
// It returns once both are constructed; Ready or Failed reports the
// outcome of bootstrap. ctx bounds the bootstrap. Close tears both down.
func StartLocal(ctx context.Context, cfg LocalConfig) (*Local, error) {
	if cfg.Policy == nil {
		return nil, errors.New("local deployment requires a policy")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gatewayAddress := cfg.GatewayAddress
	if gatewayAddress == "" {
		gatewayAddress = "127.0.0.1:0"
	}

	l := &Local{
		logger:      logger,
		gatewayDone: make(chan error, 1),
		ready:       make(chan struct{}),
		failed:      make(chan struct{}),
	}

	exec := cfg.Executor
	if exec == nil {
		timeout := cfg.ExecutionTimeout
		if timeout <= 0 {
			timeout = DefaultExecutionTimeout
		}
		wasm, err := executor.NewWASM(ctx, executor.WASMConfig{
			Strategy:         cfg.Policy.ExecutionStrategy,
			MemoryLimitBytes: cfg.MemoryLimitBytes,
			Timeout:          timeout,
			Debug:            cfg.Policy.Debug,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		l.wasm = wasm
		exec = wasm
	}

	gw, err := attestation.NewGateway(attestation.GatewayConfig{
		Policy:     cfg.Policy,
		SigningKey: cfg.SigningKey,
		Logger:     logger.With("component", "gateway"),
	})
	if err != nil {
		l.closeExecutor()
		return nil, err
	}
	if err := gw.Listen(gatewayAddress); err != nil {
		l.closeExecutor()
		return nil, err
	}
	l.gateway = gw
	l.client = attestation.NewClient(gw.Addr(), gw.PublicKey())

	srv, err := endpoint.New(endpoint.Config{
		Policy:        cfg.Policy,
		Platform:      cfg.Platform,
		RuntimeImage:  cfg.RuntimeImage,
		Executor:      exec,
		Gateway:       l.client,
		ListenAddress: cfg.ListenAddress,
		Recorder:      cfg.Recorder,
		RunID:         cfg.RunID,
		Logger:        logger,
	})
	if err != nil {
		// Serve with a cancelled context only releases the listener.
		done, cancel := context.WithCancel(context.Background())
		cancel()
		gw.Serve(done)
		l.closeExecutor()
		return nil, err
	}
	l.server = srv

	gctx, cancel := context.WithCancel(context.Background())
	l.cancelGateway = cancel
	go func() { l.gatewayDone <- gw.Serve(gctx) }()

	bctx, bcancel := context.WithCancel(ctx)
	l.cancelBootstrap = bcancel
	go l.bootstrap(bctx)
	return l, nil
}

func (l *Local) bootstrap(ctx context.Context) {
	select {
	case <-l.gateway.Ready():
	case <-ctx.Done():
		l.fail(ctx.Err())
		return
	}
	if err := l.server.Start(ctx); err != nil {
		l.fail(err)
		return
	}
	close(l.ready)
}

func (l *Local) fail(err error) {
	l.err = err
	close(l.failed)
}

// Gateway returns a client for the local gateway.
func (l *Local) Gateway() *attestation.Client {
	return l.client
}

// GatewayAddr returns the gateway's bound address.
func (l *Local) GatewayAddr() string {
	return l.gateway.Addr()
}

// PublicKey returns the key the gateway signs tokens with.
func (l *Local) PublicKey() ed25519.PublicKey {
	return l.gateway.PublicKey()
}

// Endpoint returns the local endpoint server.
func (l *Local) Endpoint() *endpoint.Server {
	return l.server
}

func (l *Local) Ready() <-chan struct{} {
	return l.ready
}

func (l *Local) Failed() <-chan struct{} {
	return l.failed
}

// Err returns the bootstrap error once Failed is closed.
func (l *Local) Err() error {
	select {
	case <-l.failed:
		return l.err
	default:
		return nil
	}
}

// Close stops the endpoint and the gateway and waits for both. It
// returns the endpoint's serve error, if any. Safe to call more than
// once.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		l.cancelBootstrap()
		select {
		case <-l.ready:
			l.server.Shutdown()
			l.closeErr = l.server.Wait()
		case <-l.failed:
		}
		l.cancelGateway()
		if err := <-l.gatewayDone; err != nil {
			l.closeErr = errors.Join(l.closeErr, fmt.Errorf("gateway: %w", err))
		}
		l.closeExecutor()
	})
	return l.closeErr
}

func (l *Local) closeExecutor() {
	if l.wasm != nil {
		l.wasm.Close(context.Background())
	}
}

// Remote is a deployment started elsewhere, reached through its
// gateway.
type Remote struct {
	client *attestation.Client
	ready  chan struct{}
}

// NewRemote returns a deployment for the gateway at addr, whose tokens
// are signed by publicKey. The endpoint is assumed ready; trust
// establishment fails if it is not.
func NewRemote(addr string, publicKey ed25519.PublicKey) *Remote {
	ready := make(chan struct{})
	close(ready)
	return &Remote{client: attestation.NewClient(addr, publicKey), ready: ready}
}

func (r *Remote) Gateway() *attestation.Client {
	return r.client
}

func (r *Remote) Ready() <-chan struct{} {
	return r.ready
}

func (r *Remote) Failed() <-chan struct{} {
	return nil
}

func (r *Remote) Err() error {
	return nil
}
