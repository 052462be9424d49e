package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefaultXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "placer.config")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "default config should be written")
	assert.Equal(t, filepath.Join(dir, "uploads"), cfg.Storage.StagingDirectory)
	assert.Equal(t, filepath.Join(dir, "mount"), cfg.Storage.MountDirectory)
	assert.Equal(t, RetainMachineName, cfg.Processing.SidecarRetention)
	assert.True(t, cfg.Processing.VerifyAssembledSize)
	assert.Equal(t, 24*60, cfg.Processing.StaleGroupTTLMinutes)
}

func TestLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "placer.yaml")
	content := `
server:
  port: 9090
storage:
  stagingDirectory: /srv/staging
  mountDirectory: mnt
processing:
  maxTotalParts: 8
  sidecarRetention: always
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/srv/staging", cfg.Storage.StagingDirectory)
	assert.Equal(t, filepath.Join(dir, "mnt"), cfg.Storage.MountDirectory)
	assert.Equal(t, ".json", cfg.Storage.SidecarSuffix, "unset keys keep defaults")
	assert.Equal(t, 8, cfg.Processing.MaxTotalParts)
	assert.Equal(t, RetainAlways, cfg.Processing.SidecarRetention)
}

func TestLoadConfig_XMLRoundTripAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "placer.config")

	cfg := DefaultConfig()
	cfg.Processing.MaxNumberingProbe = 3
	require.NoError(t, cfg.Save(path))

	t.Setenv("PORT", "4242")
	t.Setenv("MOUNT_PATH", "/data/mount")

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Processing.MaxNumberingProbe)
	assert.Equal(t, 4242, loaded.Server.Port)
	assert.Equal(t, "/data/mount", loaded.Storage.MountDirectory)
	assert.Equal(t, "0.0.0.0:4242", loaded.GetServerAddr())
}

func TestLoadConfig_RejectsUnknownRetention(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "placer.yml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  sidecarRetention: sometimes\n"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "sidecar retention")
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.StagingDirectory = filepath.Join(dir, "a", "staging")
	cfg.Storage.MountDirectory = filepath.Join(dir, "b", "mount")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.StagingDirectory)
	assert.DirExists(t, cfg.Storage.MountDirectory)
}
