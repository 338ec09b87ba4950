package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultPaths(t *testing.T) {
	c := NewDefault()
	assert.Equal(t, DefaultImmutableDataDir, c.ImmutableDataDir)
	assert.Equal(t, DefaultMutableStateDir, c.MutableStateDir)
	assert.Len(t, c.RemoteSearchPath(), 3)
	assert.Equal(t, filepath.Join(DefaultMutableStateDir, RemotesSubdir), c.RemoteSearchPath()[0])
}

func TestLoadOrGenerateMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOrGenerate(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "zst", cfg.PreferredMetadataExtension)
}

func TestLoadOrGenerateParsesYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "fluxfirmd.yaml")
	require.NoError(t, os.WriteFile(p, []byte("log-level: debug\nenable-test-remotes: true\n"), 0o644))

	cfg, err := LoadOrGenerate(p)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.EnableTestRemotes)
}

func TestParsedLogLevelFallsBackToInfo(t *testing.T) {
	cfg := NewDefault()
	cfg.LogLevel = "not-a-level"
	assert.Equal(t, "info", cfg.ParsedLogLevel().String())
}
