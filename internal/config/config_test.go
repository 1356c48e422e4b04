package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
agent:
  provider: claude
  timeout: 30m
vcs:
  base_branch: main
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Agent.Provider)
	assert.Equal(t, 30*time.Minute, cfg.Agent.Timeout.Duration)
	assert.Equal(t, "main", cfg.VCS.BaseBranch)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("POLISH_PROVIDER", "codex")

	yaml := `
agent:
  provider: ${POLISH_PROVIDER}
  timeout: 10m
`
	path := writeConfig(t, yaml)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "codex", cfg.Agent.Provider)
}

func TestLoad_DefaultTimeout(t *testing.T) {
	path := writeConfig(t, "agent:\n  provider: claude\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.Agent.Timeout.Duration)
}

func TestLoad_DefaultProvider(t *testing.T) {
	path := writeConfig(t, "agent:\n  timeout: 10m\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Agent.Provider)
}

func TestLoad_InvalidProvider(t *testing.T) {
	path := writeConfig(t, "agent:\n  provider: chatgpt\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.provider")
}

func TestLoad_InvalidTimeout(t *testing.T) {
	path := writeConfig(t, "agent:\n  provider: claude\n  timeout: not-a-duration\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, ":\n\t- :\n  bad:\n\t  indent")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
}
