package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 0, cfg.Judge.Mode)
	assert.Equal(t, 5, cfg.Judge.MaxRetry)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
judge:
  mode: 1
  max_retry: 3
`), 0o644))

	t.Setenv("ARBITER_MAX_RETRY", "7")
	t.Setenv("ARBITER_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 1, cfg.Judge.Mode)
	assert.Equal(t, 7, cfg.Judge.MaxRetry, "env wins over file")
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestValidateRejectsBadMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("judge:\n  mode: 2\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "judge.mode")
}

func TestValidateSQLNeedsDSN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: sql\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "dsn")
}
