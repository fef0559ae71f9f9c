package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigUsesCurrentWorkingDirectory(t *testing.T) {
	os.Unsetenv("STANDALONE_DATA_PATH")
	cfg := DefaultConfig()

	require.Equal(t, DefaultMessageMaxSize, cfg.MaxMessageSize)
	require.Equal(t, DefaultCatalogPartitions, cfg.CatalogPartitions)
	require.Greater(t, cfg.WorkerCount, 0)
	require.NotEmpty(t, cfg.DataRoot)
}

func TestDefaultConfigHonorsDataPathEnv(t *testing.T) {
	t.Setenv("STANDALONE_DATA_PATH", "/tmp/somewhere")
	cfg := DefaultConfig()
	require.Equal(t, "/tmp/somewhere", cfg.DataRoot)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	os.Unsetenv("STANDALONE_DATA_PATH")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workerCount: 3\nmaxMessageSize: 2048\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.WorkerCount)
	require.Equal(t, 2048, cfg.MaxMessageSize)
	require.Equal(t, DefaultCatalogPartitions, cfg.CatalogPartitions, "fields absent from the file keep their default")
}

func TestLoadEnvOverridesFileDataRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataRoot: /from/file\n"), 0o644))
	t.Setenv("STANDALONE_DATA_PATH", "/from/env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.DataRoot, "STANDALONE_DATA_PATH must win even over an explicit config file value")
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
