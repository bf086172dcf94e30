package cli

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conclave/internal/audit"
	"github.com/roach88/conclave/internal/executor"
	"github.com/roach88/conclave/internal/orchestrator"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/session"
	"github.com/roach88/conclave/internal/store"
	"github.com/roach88/conclave/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Policy       string
	Participants []string
	Program      string
	Data         []string
	Retrievers   []string
	Schedule     string
	Platform     string
	Database     string
	ReadyTimeout time.Duration
	FetchTimeout time.Duration
	ExecTimeout  time.Duration

	// Gateway and GatewayKey select a deployment started elsewhere, for
	// example by serve, instead of a local one.
	Gateway    string
	GatewayKey string

	// Executor allows overriding the program executor (for testing).
	// If nil, the endpoint runs programs as WASM.
	Executor executor.Executor

	// RunIDs allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs orchestrator.IDGenerator
}

// RunResult is the outcome of one run.
type RunResult struct {
	RunID   string         `json:"run_id"`
	Results map[string]any `json:"results"`
	Events  []EventView    `json:"events"`
}

// EventView is one orchestrated step in CLI output.
type EventView struct {
	Phase    string `json:"phase"`
	Identity string `json:"identity,omitempty"`
	Slot     *int   `json:"slot,omitempty"`
	Outcome  string `json:"outcome"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one session against a local or served endpoint",
		Long: `Start a local gateway and endpoint and drive one session through it.
With --gateway and --gateway-key the session runs against a deployment
started by serve instead.

Participants are named by identity or by their zero-based index in the
policy. Each participant presents its own credential; the endpoint
accepts the program, data and result requests the policy allows.

Examples:
  conclave run --policy policy.yaml \
    --participant alice=alice.crt:alice.key \
    --participant bob=bob.crt:bob.key \
    --program alice=sum.wasm \
    --data alice:0=a.txt --data bob:1=b.txt \
    --retriever bob
  conclave run --policy policy.yaml --schedule parallel --db audit.db ...
  conclave run --policy policy.yaml --gateway 10.0.0.5:7100 \
    --gateway-key 3b6a27bc... ...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Policy, "policy", "", "path to the policy file (required)")
	_ = cmd.MarkFlagRequired("policy")
	cmd.Flags().StringArrayVar(&opts.Participants, "participant", nil, "participant credential as id=cert.pem:key.pem (repeatable)")
	cmd.Flags().StringVar(&opts.Program, "program", "", "program artifact as id=file (required)")
	_ = cmd.MarkFlagRequired("program")
	cmd.Flags().StringArrayVar(&opts.Data, "data", nil, "data artifact as id:slot=file (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Retrievers, "retriever", nil, "participant fetching the result (repeatable)")
	cmd.Flags().StringVar(&opts.Schedule, "schedule", string(orchestrator.ScheduleSequential), "sequential|concurrent|parallel")
	cmd.Flags().StringVar(&opts.Platform, "platform", string(policy.PlatformMock), "attestation platform")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite audit log (optional)")
	cmd.Flags().DurationVar(&opts.ReadyTimeout, "ready-timeout", orchestrator.DefaultReadyTimeout, "how long to wait for the endpoint")
	cmd.Flags().DurationVar(&opts.FetchTimeout, "fetch-timeout", orchestrator.DefaultFetchTimeout, "how long a retriever waits for a pending result")
	cmd.Flags().DurationVar(&opts.ExecTimeout, "exec-timeout", orchestrator.DefaultExecutionTimeout, "how long the local endpoint lets the program run")
	cmd.Flags().StringVar(&opts.Gateway, "gateway", "", "address of a served attestation gateway")
	cmd.Flags().StringVar(&opts.GatewayKey, "gateway-key", "", "hex Ed25519 public key of the served gateway")

	return cmd
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	files, err := opts.planFiles()
	if err != nil {
		_ = formatter.Error(ErrCodeConfigInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid run flags", err)
	}
	deployment, err := opts.deployment()
	if err != nil {
		_ = formatter.Error(ErrCodeConfigInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid run flags", err)
	}
	plan, err := orchestrator.LoadPlan(files)
	if err != nil {
		_ = formatter.Error(ErrCodeConfigInvalid, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load plan", err)
	}

	ctx, stop := signalContext(cmd, logger)
	defer stop()

	tcfg, err := telemetry.LoadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid telemetry config", err)
	}
	shutdownTracing, err := telemetry.Setup(ctx, tcfg, "conclave-run")
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	orch := &orchestrator.Orchestrator{
		Deployment:       deployment,
		Executor:         opts.Executor,
		ExecutionTimeout: opts.ExecTimeout,
		Logger:           logger,
		RunIDs:           opts.RunIDs,
		ReadyTimeout:     opts.ReadyTimeout,
		FetchTimeout:     opts.FetchTimeout,
	}

	if opts.Database != "" {
		recorder, closeAudit, err := openAudit(ctx, opts.Database, logger)
		if err != nil {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open audit log", err)
		}
		defer closeAudit()
		orch.Recorder = recorder
	}

	if deployment != nil {
		formatter.VerboseLog("Using gateway %s", opts.Gateway)
	}
	formatter.VerboseLog("Running %d participant(s) on %s, schedule %s", len(plan.Participants), plan.Platform, plan.Schedule)
	report, runErr := orch.Run(ctx, plan)
	result := newRunResult(report)

	if runErr != nil {
		details := map[string]any{"run_id": result.RunID, "events": result.Events}
		if pe, ok := orchestrator.AsPhaseError(runErr); ok {
			details["phase"] = string(pe.Phase)
			if pe.Participant != "" {
				details["participant"] = pe.Participant
			}
		}
		if formatter.Format == "json" {
			_ = formatter.Error(ErrCodeRunFailed, runErr.Error(), details)
		} else {
			outputRunText(formatter, result)
			fmt.Fprintf(formatter.Writer, "✗ run failed: %v\n", runErr)
		}
		if errors.Is(runErr, orchestrator.ErrConfig) {
			return WrapExitError(ExitCommandError, "run rejected", runErr)
		}
		return WrapExitError(ExitFailure, "run failed", runErr)
	}

	if formatter.Format == "json" {
		return formatter.SuccessWithTrace(result.RunID, result)
	}
	outputRunText(formatter, result)
	fmt.Fprintln(formatter.Writer, "✓ run completed")
	return nil
}

// openAudit opens the store at path and returns a recorder that
// continues its sequence. The returned func drains the recorder and
// closes the store.
func openAudit(ctx context.Context, path string, logger *slog.Logger) (*audit.Recorder, func(), error) {
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	latest, err := st.LatestSeq(ctx)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	recorder := audit.NewRecorder(st,
		audit.WithClock(audit.NewClockAt(latest)),
		audit.WithLogger(logger.With("component", "audit")),
	)
	return recorder, func() {
		if err := recorder.Close(); err != nil {
			logger.Error("error draining audit log", "error", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}, nil
}

// planFiles translates flags into orchestrator.PlanFiles.
func (opts *RunOptions) planFiles() (orchestrator.PlanFiles, error) {
	files := orchestrator.PlanFiles{
		Policy:     opts.Policy,
		Platform:   policy.Platform(opts.Platform),
		Retrievers: opts.Retrievers,
		Schedule:   orchestrator.Schedule(opts.Schedule),
	}
	for _, p := range opts.Participants {
		c, err := parseCredentialFlag(p)
		if err != nil {
			return files, err
		}
		files.Participants = append(files.Participants, c)
	}
	ref, path, ok := splitAssignment(opts.Program)
	if !ok {
		return files, fmt.Errorf("--program %q: want id=file", opts.Program)
	}
	files.Program = orchestrator.ArtifactFile{Ref: ref, Path: path}
	for _, d := range opts.Data {
		df, err := parseDataFlag(d)
		if err != nil {
			return files, err
		}
		files.Data = append(files.Data, df)
	}
	return files, nil
}

// deployment returns the served deployment named by --gateway, or nil
// when the run starts its own.
func (opts *RunOptions) deployment() (orchestrator.Deployment, error) {
	if opts.Gateway == "" && opts.GatewayKey == "" {
		return nil, nil
	}
	if opts.Gateway == "" || opts.GatewayKey == "" {
		return nil, errors.New("--gateway and --gateway-key must be given together")
	}
	if opts.Database != "" {
		return nil, errors.New("--db records a local endpoint and cannot be used with --gateway")
	}
	key, err := hex.DecodeString(opts.GatewayKey)
	if err != nil {
		return nil, fmt.Errorf("--gateway-key: %w", err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("--gateway-key: want %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return orchestrator.NewRemote(opts.Gateway, ed25519.PublicKey(key)), nil
}

// parseCredentialFlag parses id=cert.pem:key.pem.
func parseCredentialFlag(value string) (orchestrator.CredentialFiles, error) {
	ref, paths, ok := splitAssignment(value)
	if !ok {
		return orchestrator.CredentialFiles{}, fmt.Errorf("--participant %q: want id=cert.pem:key.pem", value)
	}
	cert, key, ok := strings.Cut(paths, ":")
	if !ok || cert == "" || key == "" {
		return orchestrator.CredentialFiles{}, fmt.Errorf("--participant %q: want id=cert.pem:key.pem", value)
	}
	return orchestrator.CredentialFiles{Ref: ref, CertPath: cert, KeyPath: key}, nil
}

// parseDataFlag parses id:slot=file.
func parseDataFlag(value string) (orchestrator.DataFile, error) {
	target, path, ok := splitAssignment(value)
	if !ok {
		return orchestrator.DataFile{}, fmt.Errorf("--data %q: want id:slot=file", value)
	}
	i := strings.LastIndex(target, ":")
	if i <= 0 {
		return orchestrator.DataFile{}, fmt.Errorf("--data %q: want id:slot=file", value)
	}
	slot, err := strconv.Atoi(target[i+1:])
	if err != nil || slot < 0 {
		return orchestrator.DataFile{}, fmt.Errorf("--data %q: slot must be a non-negative integer", value)
	}
	return orchestrator.DataFile{Ref: target[:i], Slot: slot, Path: path}, nil
}

// splitAssignment splits "left=right" with both sides non-empty.
func splitAssignment(value string) (string, string, bool) {
	left, right, ok := strings.Cut(value, "=")
	if !ok || left == "" || right == "" {
		return "", "", false
	}
	return left, right, true
}

func newRunResult(report *orchestrator.Report) RunResult {
	result := RunResult{Results: map[string]any{}, Events: []EventView{}}
	if report == nil {
		return result
	}
	result.RunID = report.RunID
	for identity, data := range report.Results {
		result.Results[identity] = resultValue(data)
	}
	for _, e := range report.SortedEvents() {
		view := EventView{
			Phase:    string(e.Phase),
			Identity: e.Identity,
			Outcome:  e.Outcome,
			Code:     e.Code,
			Detail:   e.Detail,
		}
		if e.Slot >= 0 {
			slot := e.Slot
			view.Slot = &slot
		}
		result.Events = append(result.Events, view)
	}
	return result
}

// resultValue decodes a CBOR result for display. Values JSON cannot
// carry are shown with fmt; undecodable bytes as hex.
func resultValue(data []byte) any {
	var v any
	if err := session.DecodeResult(data, &v); err != nil {
		return hex.EncodeToString(data)
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}

func outputRunText(formatter *OutputFormatter, result RunResult) {
	w := formatter.Writer
	fmt.Fprintf(w, "Run: %s\n", result.RunID)
	for _, e := range result.Events {
		line := fmt.Sprintf("  %-9s %-12s %s", e.Phase, e.Identity, e.Outcome)
		if e.Slot != nil {
			line += fmt.Sprintf(" slot=%d", *e.Slot)
		}
		if e.Code != "" {
			line += " " + e.Code
		}
		fmt.Fprintln(w, line)
	}
	for _, identity := range sortedResultKeys(result.Results) {
		fmt.Fprintf(w, "Result for %s: %v\n", identity, result.Results[identity])
	}
}

func sortedResultKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
