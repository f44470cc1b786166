package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROVIDER_ENDPOINTS", `{"alpha":"http://alpha:9000","beta":"http://beta:9000"}`)
	t.Setenv("REASONING_ENDPOINT", "http://model:8000/v1")
	t.Setenv("DEV_MODE", "true")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxRounds)
	assert.Equal(t, 30*time.Second, cfg.ToolCallTimeout)
	assert.Equal(t, 60*time.Second, cfg.ReasoningCallTimeout)
	assert.Equal(t, 180*time.Second, cfg.TurnTimeout)
	assert.Equal(t, 300*time.Second, cfg.CacheTTL)
	assert.Equal(t, "http://alpha:9000", cfg.ProviderEndpoints["alpha"])
	assert.Len(t, cfg.ProviderEndpoints, 2)
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_ROUNDS", "2")
	t.Setenv("TOOL_CALL_TIMEOUT_MS", "1500")
	t.Setenv("CACHE_TTL_SEC", "10")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MaxRounds)
	assert.Equal(t, 1500*time.Millisecond, cfg.ToolCallTimeout)
	assert.Equal(t, 10*time.Second, cfg.CacheTTL)
}

func TestMissingProviderEndpoints(t *testing.T) {
	t.Setenv("PROVIDER_ENDPOINTS", "")
	t.Setenv("REASONING_ENDPOINT", "http://model:8000/v1")
	t.Setenv("DEV_MODE", "true")

	_, err := Load("")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "PROVIDER_ENDPOINTS", cfgErr.Key)
}

func TestMalformedProviderEndpoints(t *testing.T) {
	t.Setenv("PROVIDER_ENDPOINTS", "not-json")
	t.Setenv("REASONING_ENDPOINT", "http://model:8000/v1")
	t.Setenv("DEV_MODE", "true")

	_, err := Load("")
	require.Error(t, err)
}

func TestTenantRequiredWithoutShims(t *testing.T) {
	t.Setenv("PROVIDER_ENDPOINTS", `{"alpha":"http://alpha:9000"}`)
	t.Setenv("REASONING_ENDPOINT", "http://model:8000/v1")
	t.Setenv("DEV_MODE", "false")
	t.Setenv("BYPASS_TOKEN", "false")
	t.Setenv("TENANT_ID", "")

	_, err := Load("")
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "TENANT_ID", cfgErr.Key)
}

func TestYAMLFileWithEnvExpansion(t *testing.T) {
	t.Setenv("PROVIDER_ENDPOINTS", "")
	t.Setenv("REASONING_ENDPOINT", "")
	t.Setenv("DEV_MODE", "")
	t.Setenv("ALPHA_URL", "http://alpha:9000")

	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	content := `
provider_endpoints:
  alpha: ${ALPHA_URL}
  beta: ${BETA_URL:-http://beta:9000}
reasoning_endpoint: http://model:8000/v1
dev_mode: true
max_rounds: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://alpha:9000", cfg.ProviderEndpoints["alpha"])
	assert.Equal(t, "http://beta:9000", cfg.ProviderEndpoints["beta"])
	assert.Equal(t, 3, cfg.MaxRounds)
	assert.True(t, cfg.DevMode)
}

func TestEnvOverridesFile(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_ROUNDS", "7")

	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	content := `
max_rounds: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxRounds)
}
