package cli

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/orchestrator"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/telemetry"
)

// ServeConfig is the serve command's configuration file. Every field
// can be overridden by its CONCLAVE_* environment variable.
type ServeConfig struct {
	// Policy is the policy file, relative to the config file.
	Policy   string `yaml:"policy" env:"CONCLAVE_POLICY"`
	Platform string `yaml:"platform" env:"CONCLAVE_PLATFORM"`

	// GatewayAddress defaults to the policy's attestation_endpoint.
	GatewayAddress string `yaml:"gateway_address" env:"CONCLAVE_GATEWAY_ADDRESS"`

	// ListenAddress defaults to the policy's endpoint_address.
	ListenAddress string `yaml:"listen_address" env:"CONCLAVE_LISTEN_ADDRESS"`

	// SigningSeed is a hex Ed25519 seed for the gateway's token key. A
	// fresh key is generated when empty.
	SigningSeed string `yaml:"signing_seed" env:"CONCLAVE_SIGNING_SEED"`

	// Database is an optional SQLite audit log.
	Database string `yaml:"database" env:"CONCLAVE_DB"`

	// ReadyTimeout bounds endpoint bootstrap.
	ReadyTimeout time.Duration `yaml:"ready_timeout" env:"CONCLAVE_READY_TIMEOUT"`

	// ExecutionTimeout bounds one run of the program.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" env:"CONCLAVE_EXECUTION_TIMEOUT"`
}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string

	// Executor allows overriding the program executor (for testing).
	Executor executor.Executor

	// OnReady is called once the endpoint accepts sessions (for testing).
	OnReady func(*orchestrator.Local)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return newServeCommand(&ServeOptions{RootOptions: rootOpts})
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a gateway and endpoint for remote participants",
		Long: `Start an attestation gateway and a compute endpoint and serve one
session until a participant requests shutdown or the process is signalled.

The config file is YAML. Environment variables override it:
  CONCLAVE_POLICY, CONCLAVE_PLATFORM, CONCLAVE_GATEWAY_ADDRESS,
  CONCLAVE_LISTEN_ADDRESS, CONCLAVE_SIGNING_SEED, CONCLAVE_DB,
  CONCLAVE_READY_TIMEOUT, CONCLAVE_EXECUTION_TIMEOUT

Example:
  conclave serve --config conclave.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "conclave.yaml", "path to the serve config file")

	return cmd
}

// LoadServeConfig reads the config file at path and applies
// environment overrides. Relative policy paths are resolved against the
// config file's directory.
func LoadServeConfig(path string) (*ServeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ServeConfig{
		Platform:         string(policy.PlatformMock),
		ReadyTimeout:     orchestrator.DefaultReadyTimeout,
		ExecutionTimeout: orchestrator.DefaultExecutionTimeout,
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.Policy == "" {
		return nil, errors.New("config: policy is required")
	}
	if !filepath.IsAbs(cfg.Policy) {
		cfg.Policy = filepath.Join(filepath.Dir(path), cfg.Policy)
	}
	platform, err := policy.ParsePlatform(cfg.Platform)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Platform = string(platform)
	if cfg.ReadyTimeout <= 0 {
		return nil, fmt.Errorf("config: ready_timeout must be positive, got %s", cfg.ReadyTimeout)
	}
	if cfg.ExecutionTimeout <= 0 {
		return nil, fmt.Errorf("config: execution_timeout must be positive, got %s", cfg.ExecutionTimeout)
	}
	return cfg, nil
}

// signingKey derives the gateway key from the configured seed.
func (c *ServeConfig) signingKey() (ed25519.PrivateKey, error) {
	if c.SigningSeed == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("signing_seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing_seed: want %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ServeInfo describes a running deployment.
type ServeInfo struct {
	RunID            string `json:"run_id"`
	GatewayAddress   string `json:"gateway_address"`
	EndpointAddress  string `json:"endpoint_address"`
	GatewayPublicKey string `json:"gateway_public_key"`
	PolicyHash       string `json:"policy_hash"`
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := LoadServeConfig(opts.ConfigPath)
	if err != nil {
		_ = formatter.Error(ErrCodeConfigInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	doc, err := policy.Load(cfg.Policy)
	if err != nil {
		_ = formatter.Error(ErrCodePolicyInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	hash, err := doc.Hash()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to hash policy", err)
	}
	key, err := cfg.signingKey()
	if err != nil {
		_ = formatter.Error(ErrCodeConfigInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	gatewayAddress := cfg.GatewayAddress
	if gatewayAddress == "" {
		gatewayAddress = doc.AttestationEndpoint
	}

	ctx, stop := signalContext(cmd, logger)
	defer stop()

	tcfg, err := telemetry.LoadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid telemetry config", err)
	}
	shutdownTracing, err := telemetry.Setup(ctx, tcfg, "conclave-serve")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	runID := uuid.Must(uuid.NewV7()).String()
	local := orchestrator.LocalConfig{
		Policy:           doc,
		Platform:         policy.Platform(cfg.Platform),
		Executor:         opts.Executor,
		ExecutionTimeout: cfg.ExecutionTimeout,
		RunID:            runID,
		GatewayAddress:   gatewayAddress,
		ListenAddress:    cfg.ListenAddress,
		SigningKey:       key,
		Logger:           logger,
	}
	if cfg.Database != "" {
		recorder, closeAudit, err := openAudit(ctx, cfg.Database, logger)
		if err != nil {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open audit log", err)
		}
		defer closeAudit()
		local.Recorder = recorder
	}

	return serveDeployment(ctx, opts, formatter, logger, local, cfg.ReadyTimeout, hash)
}

func serveDeployment(ctx context.Context, opts *ServeOptions, formatter *OutputFormatter, logger *slog.Logger, cfg orchestrator.LocalConfig, readyTimeout time.Duration, policyHash string) (err error) {
	dep, err := orchestrator.StartLocal(ctx, cfg)
	if err != nil {
		_ = formatter.Error(ErrCodeRunFailed, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to start deployment", err)
	}
	defer func() {
		if closeErr := dep.Close(); closeErr != nil {
			err = errors.Join(err, WrapExitError(ExitFailure, "endpoint stopped with error", closeErr))
		}
	}()

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case <-dep.Ready():
	case <-dep.Failed():
		_ = formatter.Error(ErrCodeRunFailed, dep.Err().Error(), nil)
		return WrapExitError(ExitFailure, "endpoint bootstrap failed", dep.Err())
	case <-timer.C:
		err := fmt.Errorf("%w: endpoint not ready after %s", orchestrator.ErrTimeout, readyTimeout)
		_ = formatter.Error(ErrCodeRunFailed, err.Error(), nil)
		return WrapExitError(ExitFailure, "endpoint bootstrap failed", err)
	case <-ctx.Done():
		return nil
	}

	info := ServeInfo{
		RunID:            cfg.RunID,
		GatewayAddress:   dep.GatewayAddr(),
		EndpointAddress:  dep.Endpoint().Addr(),
		GatewayPublicKey: hex.EncodeToString(dep.PublicKey()),
		PolicyHash:       policyHash,
	}
	logger.Info("serving", "run_id", info.RunID, "gateway", info.GatewayAddress, "endpoint", info.EndpointAddress)
	if formatter.Format == "json" {
		if err := formatter.SuccessWithTrace(info.RunID, info); err != nil {
			return err
		}
	} else {
		w := formatter.Writer
		fmt.Fprintf(w, "✓ serving run %s\n", info.RunID)
		fmt.Fprintf(w, "  gateway:     %s\n", info.GatewayAddress)
		fmt.Fprintf(w, "  endpoint:    %s\n", info.EndpointAddress)
		fmt.Fprintf(w, "  gateway key: %s\n", info.GatewayPublicKey)
		fmt.Fprintf(w, "  policy hash: %s\n", info.PolicyHash)
	}

	if opts.OnReady != nil {
		opts.OnReady(dep)
	}

	select {
	case <-dep.Endpoint().Done():
		logger.Info("shutdown requested by participant")
	case <-ctx.Done():
		logger.Info("stopping endpoint")
	}
	return nil
}
