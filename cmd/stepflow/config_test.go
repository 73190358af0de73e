package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigLayering(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	// Defaults only.
	cfg := loadConfig()
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, ".stepflow", "stepflow.db"), cfg.DBPath)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 2, cfg.ApprovalPollInterval)
	assert.False(t, cfg.Panel)

	// settings.json overrides defaults.
	require.NoError(t, os.MkdirAll(filepath.Join(home, ".stepflow"), 0o700))
	settings := `{"listen_addr":":9999","pool_size":4,"panel":true}`
	require.NoError(t, os.WriteFile(
		filepath.Join(home, ".stepflow", "settings.json"), []byte(settings), 0o644))

	cfg = loadConfig()
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.True(t, cfg.Panel)
	assert.Equal(t, "info", cfg.LogLevel) // untouched by settings

	// Env vars override settings.json.
	t.Setenv("STEPFLOW_LISTEN_ADDR", ":4201")
	t.Setenv("STEPFLOW_POOL_SIZE", "16")
	t.Setenv("STEPFLOW_PANEL", "0")
	t.Setenv("STEPFLOW_LOG_LEVEL", "debug")

	cfg = loadConfig()
	assert.Equal(t, ":4201", cfg.ListenAddr)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.False(t, cfg.Panel)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigIgnoresBadNumbers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("STEPFLOW_POOL_SIZE", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, 8, cfg.PoolSize)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	next := old
	next.Panel = true
	next.LogLevel = "debug"
	d := diffConfigs(old, next)
	assert.True(t, d.PanelChanged)
	assert.True(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next = old
	next.ListenAddr = ":1"
	next.DBPath = "/tmp/other.db"
	next.PoolSize = 2
	next.DefaultStepTimeout = 60
	next.ApprovalPollInterval = 5
	next.RunHistoryLimit = 50
	d = diffConfigs(old, next)
	assert.False(t, d.PanelChanged)
	assert.Equal(t, []string{
		"listen_addr", "db_path", "pool_size",
		"default_step_timeout", "approval_poll_interval", "run_history_limit",
	}, d.RestartNeeded)
}
