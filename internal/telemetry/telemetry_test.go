package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONCLAVE_OTEL_ENDPOINT", "")
	t.Setenv("CONCLAVE_OTEL_ENABLED", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.Endpoint)
	assert.True(t, cfg.Enabled)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CONCLAVE_OTEL_ENDPOINT", "http://192.0.2.1:4318")
	t.Setenv("CONCLAVE_OTEL_ENABLED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://192.0.2.1:4318", cfg.Endpoint)
	assert.False(t, cfg.Enabled)
}

func TestLoadConfigRejectsBadBool(t *testing.T) {
	t.Setenv("CONCLAVE_OTEL_ENABLED", "maybe")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: true}, "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupNoopWhenDisabled(t *testing.T) {
	cfg := Config{Endpoint: "http://192.0.2.1:4318", Enabled: false}
	shutdown, err := Setup(context.Background(), cfg, "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable address; nothing is exported before shutdown.
	cfg := Config{Endpoint: "http://192.0.2.1:4318", Enabled: true}
	shutdown, err := Setup(context.Background(), cfg, "test-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
