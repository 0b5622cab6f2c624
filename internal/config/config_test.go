package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	tempDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tempDir)
	defer os.Setenv("HOME", oldHome)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9876, cfg.Port)
	assert.False(t, cfg.Remote)
	assert.Equal(t, 1024, cfg.Buffer.EventQueueDepth)
	assert.Equal(t, 10000, cfg.Buffer.PendingCommandCap)
}

func TestConfigPath(t *testing.T) {
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", "/test/home")
	defer os.Setenv("HOME", oldHome)

	path := ConfigPath()
	assert.Equal(t, "/test/home/.cdp-relay/cdp-relay.json", path)
}

func TestConfigDir(t *testing.T) {
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", "/test/home")
	defer os.Setenv("HOME", oldHome)

	assert.Equal(t, "/test/home/.cdp-relay", ConfigDir())
}

func TestLockAndLogPaths(t *testing.T) {
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", "/test/home")
	defer os.Setenv("HOME", oldHome)

	assert.Equal(t, "/test/home/.cdp-relay/cdp-relay.lock", LockPath())
	assert.Equal(t, "/test/home/.cdp-relay/cdp-relay.log", LogPath())
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configDir := filepath.Join(tempDir, ".cdp-relay")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	configPath := filepath.Join(configDir, "cdp-relay.json")
	configContent := `{
  "host": "0.0.0.0",
  "port": 8080,
  "remote": true
}`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tempDir)
	defer os.Setenv("HOME", oldHome)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Remote)
}

func TestSaveConfig(t *testing.T) {
	tempDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tempDir)
	defer os.Setenv("HOME", oldHome)

	cfg := &Config{Host: "127.0.0.1", Port: 18789}

	require.NoError(t, Save(cfg))

	configPath := filepath.Join(tempDir, ".cdp-relay", "cdp-relay.json")
	_, err := os.Stat(configPath)
	require.NoError(t, err)

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 18789, loaded.Port)
}
