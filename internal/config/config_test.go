package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsUnderPartialFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/trader
app:
  encryption_key: k
  listen_addr: ":9999"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.App.ListenAddr)
	assert.Equal(t, 20, cfg.App.WebhookRateLimit)
	assert.Equal(t, 10, cfg.Engine.MaxOpenPositionsGlobal)
	assert.Equal(t, 5, cfg.Gateway.FailureThreshold)
	assert.Equal(t, "INFO", cfg.System.LogLevel)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
app:
  listen_addr: ":8080"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url is required")
	assert.Contains(t, err.Error(), "app.encryption_key is required")
}

func TestLoadRejectsRenewIntervalAtOrAboveTTL(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/trader
app:
  encryption_key: k
leader:
  lock_ttl: 30s
  renew_interval: 30s
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renew_interval")
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file/db
app:
  encryption_key: file-key
`)
	t.Setenv("SPOT_TRADER_DATABASE_URL", "postgres://env/db")
	t.Setenv("SPOT_TRADER_OPERATOR_API_KEY", "env-operator")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/db", cfg.Database.URL.Reveal())
	assert.Equal(t, "env-operator", cfg.App.OperatorAPIKey.Reveal())
}

func TestSecretRedactsEverywhere(t *testing.T) {
	s := Secret("super-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%#v", s))
	assert.Equal(t, "super-secret", s.Reveal())

	j, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(j), "super-secret")

	y, err := yaml.Marshal(struct {
		Key Secret `yaml:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(y), "super-secret")
}
