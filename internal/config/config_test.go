package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
relay:
  addr: ":9000"
agent:
  command: claude
  work_dir: /repo
database:
  path: /tmp/perch.db
logging:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Relay.Addr)
	assert.Equal(t, "/repo", cfg.Agent.WorkDir)
	assert.Equal(t, "/tmp/perch.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8724", cfg.Relay.Addr)
	assert.Equal(t, "claude", cfg.Agent.Command)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERCH_ADDR", ":7777")
	t.Setenv("PERCH_JWT_SECRET", "c2VjcmV0")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Relay.Addr)
	assert.Equal(t, "c2VjcmV0", cfg.Relay.JWTSecret)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: loud\n")
	_, err := Load(path)
	assert.Error(t, err)
}
