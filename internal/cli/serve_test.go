package cli

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conclave/internal/orchestrator"
	"github.com/roach88/conclave/internal/pki"
	"github.com/roach88/conclave/internal/policy"
	"github.com/roach88/conclave/internal/session"
	"github.com/roach88/conclave/internal/testutil"
)

func TestLoadServeConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "conclave.yaml", `policy: policy.yaml
platform: Mock
gateway_address: 127.0.0.1:7100
listen_address: 127.0.0.1:7200
database: audit.db
ready_timeout: 5s
execution_timeout: 30s
`)

	cfg, err := LoadServeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "policy.yaml"), cfg.Policy)
	assert.Equal(t, "mock", cfg.Platform)
	assert.Equal(t, "127.0.0.1:7100", cfg.GatewayAddress)
	assert.Equal(t, "127.0.0.1:7200", cfg.ListenAddress)
	assert.Equal(t, "audit.db", cfg.Database)
	assert.Equal(t, 5*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 30*time.Second, cfg.ExecutionTimeout)
}

func TestLoadServeConfigDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "conclave.yaml", "policy: /etc/conclave/policy.yaml\n")

	cfg, err := LoadServeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/conclave/policy.yaml", cfg.Policy)
	assert.Equal(t, "mock", cfg.Platform)
	assert.Equal(t, orchestrator.DefaultReadyTimeout, cfg.ReadyTimeout)
	assert.Equal(t, orchestrator.DefaultExecutionTimeout, cfg.ExecutionTimeout)
	assert.Empty(t, cfg.GatewayAddress)
}

func TestLoadServeConfigEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "conclave.yaml", "policy: policy.yaml\nlisten_address: 127.0.0.1:7200\n")
	t.Setenv("CONCLAVE_LISTEN_ADDRESS", "127.0.0.1:9200")
	t.Setenv("CONCLAVE_DB", "/var/lib/conclave/audit.db")
	t.Setenv("CONCLAVE_READY_TIMEOUT", "2s")
	t.Setenv("CONCLAVE_EXECUTION_TIMEOUT", "90s")

	cfg, err := LoadServeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9200", cfg.ListenAddress)
	assert.Equal(t, "/var/lib/conclave/audit.db", cfg.Database)
	assert.Equal(t, 2*time.Second, cfg.ReadyTimeout)
	assert.Equal(t, 90*time.Second, cfg.ExecutionTimeout)
}

func TestLoadServeConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown field", "policy: p.yaml\nlisten_adress: x\n", "field listen_adress not found"},
		{"missing policy", "platform: mock\n", "policy is required"},
		{"bad platform", "policy: p.yaml\nplatform: vax\n", `unknown platform "vax"`},
		{"bad timeout", "policy: p.yaml\nready_timeout: -1s\n", "ready_timeout must be positive"},
		{"bad execution timeout", "policy: p.yaml\nexecution_timeout: 0s\n", "execution_timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "conclave.yaml", tt.content)
			_, err := LoadServeConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadServeConfigMissingFile(t *testing.T) {
	_, err := LoadServeConfig(filepath.Join(t.TempDir(), "conclave.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestServeConfigSigningKey(t *testing.T) {
	seed := strings.Repeat("07", ed25519.SeedSize)
	cfg := &ServeConfig{SigningSeed: seed}
	key, err := cfg.signingKey()
	require.NoError(t, err)

	raw, _ := hex.DecodeString(seed)
	assert.Equal(t, ed25519.NewKeyFromSeed(raw), key)

	key, err = (&ServeConfig{}).signingKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = (&ServeConfig{SigningSeed: "zz"}).signingKey()
	require.Error(t, err)

	_, err = (&ServeConfig{SigningSeed: "0707"}).signingKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 32 bytes, got 2")
}

func TestServeInvalidConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "conclave.yaml", "platform: mock\n")
	_, err := execute(NewServeCommand(&RootOptions{Format: "text"}), "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// startServe runs the serve command in the background and returns the
// deployment once it is ready.
func startServe(t *testing.T, ctx context.Context, format, configPath string) (*orchestrator.Local, *bytes.Buffer, <-chan error) {
	t.Helper()
	ready := make(chan *orchestrator.Local, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: format},
		Executor:    testutil.NewExecutor(),
		OnReady:     func(l *orchestrator.Local) { ready <- l },
	}
	cmd := newServeCommand(opts)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", configPath})

	errc := make(chan error, 1)
	go func() { errc <- cmd.ExecuteContext(ctx) }()

	select {
	case l := <-ready:
		return l, buf, errc
	case err := <-errc:
		t.Fatalf("serve exited before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve not ready")
	}
	return nil, nil, nil
}

func TestServeUntilParticipantShutdown(t *testing.T) {
	dir := t.TempDir()
	policyPath, creds := writeFixture(t, dir, member{identity: "alice", roles: everyRole, slots: []int{0}})
	configPath := writeFile(t, dir, "conclave.yaml", "policy: policy.yaml\ngateway_address: 127.0.0.1:0\nready_timeout: 10s\n")

	local, buf, errc := startServe(t, context.Background(), "json", configPath)

	doc, err := policy.Load(policyPath)
	require.NoError(t, err)
	cred, err := pki.LoadFiles(creds["alice"].cert, creds["alice"].key)
	require.NoError(t, err)

	o := &orchestrator.Orchestrator{
		Deployment: orchestrator.NewRemote(local.GatewayAddr(), local.PublicKey()),
		RunIDs:     testutil.NewFixedRunIDs("run-remote"),
	}
	report, err := o.Run(context.Background(), &orchestrator.Plan{
		Policy:       doc,
		Platform:     policy.PlatformMock,
		Participants: []orchestrator.Participant{{Identity: "alice", Credential: cred}},
		Program:      orchestrator.Assignment{Identity: "alice", Artifact: []byte(testutil.ProgramCount)},
		Data:         []orchestrator.DataAssignment{{Identity: "alice", Slot: 0, Artifact: []byte("x")}},
		Retrievers:   []string{"alice"},
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, session.DecodeResult(report.Results["alice"], &count))
	assert.Equal(t, 1, count)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after shutdown request")
	}

	var resp struct {
		Status  string    `json:"status"`
		TraceID string    `json:"trace_id"`
		Data    ServeInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, local.GatewayAddr(), resp.Data.GatewayAddress)
	assert.Equal(t, hex.EncodeToString(local.PublicKey()), resp.Data.GatewayPublicKey)
	assert.Equal(t, resp.TraceID, resp.Data.RunID)

	hash, err := doc.Hash()
	require.NoError(t, err)
	assert.Equal(t, hash, resp.Data.PolicyHash)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, member{identity: "alice", roles: everyRole, slots: []int{0}})
	configPath := writeFile(t, dir, "conclave.yaml", "policy: policy.yaml\ngateway_address: 127.0.0.1:0\n")

	ctx, cancel := context.WithCancel(context.Background())
	_, buf, errc := startServe(t, ctx, "text", configPath)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	assert.Contains(t, buf.String(), "✓ serving run")
	assert.Contains(t, buf.String(), "gateway key:")
}
