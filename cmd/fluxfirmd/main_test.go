package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	body := "immutable-data-dir: " + filepath.Join(tmp, "immutable") + "\n" +
		"system-config-dir: " + filepath.Join(tmp, "system") + "\n" +
		"mutable-state-dir: " + filepath.Join(tmp, "mutable") + "\n" +
		"runtime-dir: " + filepath.Join(tmp, "run") + "\n" +
		"preferred-metadata-extension: zst\n"
	path := filepath.Join(tmp, "fluxfirmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommandHasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCommand(logrus.New())
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["status"])
	require.True(t, names["install"])
	require.True(t, names["refresh"])
}

func TestStatusCommandRunsAgainstFreshEngine(t *testing.T) {
	cmd := NewRootCommand(logrus.New())
	cmd.SetArgs([]string{"status", "--config", writeTestConfig(t)})
	require.NoError(t, cmd.Execute())
}

func TestRefreshCommandRunsWithNoRemotesConfigured(t *testing.T) {
	cmd := NewRootCommand(logrus.New())
	cmd.SetArgs([]string{"refresh", "--config", writeTestConfig(t)})
	require.NoError(t, cmd.Execute())
}

func TestInstallCommandRejectsUnknownDevice(t *testing.T) {
	cmd := NewRootCommand(logrus.New())
	cabPath := filepath.Join(t.TempDir(), "missing.cab")
	cmd.SetArgs([]string{"install", cabPath, "nonexistent-device", "--config", writeTestConfig(t)})
	require.Error(t, cmd.Execute())
}
