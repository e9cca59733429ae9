package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8844, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "claude", cfg.Agent.Command)
	assert.Equal(t, 30, cfg.Usage.ReportInterval)
	assert.Empty(t, cfg.Events.NATSURL)
	assert.False(t, cfg.Agent.Mock)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 9000
agent:
  command: my-agent
  mock: true
usage:
  reportInterval: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "my-agent", cfg.Agent.Command)
	assert.True(t, cfg.Agent.Mock)
	assert.Equal(t, 5, cfg.Usage.ReportInterval)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTDOCK_AGENT_COMMAND", "env-agent")
	t.Setenv("AGENTDOCK_LOG_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "env-agent", cfg.Agent.Command)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidationRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("server:\n  port: -1\n"), 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}
