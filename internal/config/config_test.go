package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestSaveThenLoadJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{Database: "custom.db"}
	require.NoError(t, cfg.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "custom.db", loaded.Database)
}

func TestLoadTOMLFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tomlConfigName), []byte(`database = "toml.db"`), 0o644))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "toml.db", loaded.Database)
}

func TestResolveDBPathUsesEnvOverride(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	t.Setenv(EnvDBPath, "/tmp/override.db")
	require.Equal(t, "/tmp/override.db", ResolveDBPath(dir, cfg))

	t.Setenv(EnvDBPath, "")
	require.Equal(t, filepath.Join(dir, "graph.db"), ResolveDBPath(dir, cfg))
}
