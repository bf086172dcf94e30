package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/protocol"
)

// WASMConfig configures a WASM executor.
type WASMConfig struct {
	// Strategy selects the interpreter or the optimising compiler.
	Strategy policy.ExecutionStrategy

	// MemoryLimitBytes caps guest linear memory. Zero means the wazero
	// default.
	MemoryLimitBytes uint64

	// Timeout bounds a single execution. Zero means only the caller's
	// context applies.
	Timeout time.Duration

	// Debug logs guest stderr at debug level.
	Debug bool

	Logger *slog.Logger
}

// WASM runs programs as WASI command modules.
//
// The guest reads its inputs from stdin as one CBOR array of byte
// strings, in slot order, and writes the result to stdout. It has no
// filesystem, network, clock, or environment access.
type WASM struct {
	runtime wazero.Runtime
	cfg     WASMConfig
	logger  *slog.Logger
}

// NewWASM creates a WASM executor. Close releases its runtime.
func NewWASM(ctx context.Context, cfg WASMConfig) (*WASM, error) {
	var runtimeCfg wazero.RuntimeConfig
	switch cfg.Strategy {
	case "", policy.StrategyInterpretation:
		runtimeCfg = wazero.NewRuntimeConfigInterpreter()
	case policy.StrategyJIT:
		runtimeCfg = wazero.NewRuntimeConfigCompiler()
	default:
		return nil, fmt.Errorf("unknown execution strategy %q", cfg.Strategy)
	}
	runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WASM{runtime: r, cfg: cfg, logger: logger}, nil
}

// Execute compiles and runs program once.
func (w *WASM) Execute(ctx context.Context, program []byte, inputs [][]byte) ([]byte, error) {
	if len(program) == 0 {
		return nil, ErrEmptyProgram
	}
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}

	if inputs == nil {
		inputs = [][]byte{}
	}
	stdin, err := protocol.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("wasm: encode inputs: %w", err)
	}

	compiled, err := w.runtime.CompileModule(ctx, program)
	if err != nil {
		return nil, fmt.Errorf("wasm: compilation failed: %w", err)
	}
	defer compiled.Close(ctx)

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithArgs("program").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if w.cfg.Debug && stderr.Len() > 0 {
		w.logger.Debug("guest stderr", "output", stderr.String())
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			return stdout.Bytes(), nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wasm: execution aborted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("wasm: execution failed: %w", err)
	}
	return stdout.Bytes(), nil
}

// Close releases the runtime and every compiled module.
func (w *WASM) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
