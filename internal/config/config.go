// Package config holds the engine's own configuration (as distinct from the
// per-remote key-value files the remote list reads) and the three-tier
// directory search path remotes, history, and runtime markers are resolved
// against.
package config

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultImmutableDataDir ships with the package (read-only at runtime);
	// it is searched last so system/mutable overrides win.
	DefaultImmutableDataDir = "/usr/share/fluxfirm"
	// DefaultSystemConfigDir holds administrator-managed overrides.
	DefaultSystemConfigDir = "/etc/fluxfirm"
	// DefaultMutableStateDir holds engine-written state (autofixed remotes,
	// cached metadata, history database).
	DefaultMutableStateDir = "/var/lib/fluxfirm"
	// DefaultRuntimeDir holds ephemeral sentinel files such as reboot-required.
	DefaultRuntimeDir = "/run/fluxfirm"
	// RemotesSubdir is appended to each of the three directories above.
	RemotesSubdir = "remotes.d"
	// RebootRequiredMarker is the sentinel file name under the runtime dir.
	RebootRequiredMarker = "reboot-required"
	// DefaultConfigFile is the path to the engine's own YAML configuration.
	DefaultConfigFile = DefaultSystemConfigDir + "/fluxfirmd.yaml"
	// TestRootDirEnvKey lets tests redirect every directory under a temp root.
	TestRootDirEnvKey = "FLUXFIRM_TEST_ROOT_DIR"
)

// Config is the engine's own configuration.
type Config struct {
	ImmutableDataDir string `json:"immutable-data-dir,omitempty"`
	SystemConfigDir  string `json:"system-config-dir,omitempty"`
	MutableStateDir  string `json:"mutable-state-dir,omitempty"`
	RuntimeDir       string `json:"runtime-dir,omitempty"`

	// LogLevel is the level of logging: panic, fatal, error, warn, info,
	// debug, or trace; anything else is treated as info.
	LogLevel string `json:"log-level,omitempty"`

	// PreferredMetadataExtension is the caller-configured extension autofix
	// rewrites an LVFS remote's MetadataURI to (e.g. "zst").
	PreferredMetadataExtension string `json:"preferred-metadata-extension,omitempty"`

	// EnableTestRemotes toggles loading of the fwupd-tests remote id.
	EnableTestRemotes bool `json:"enable-test-remotes,omitempty"`

	// OnlyTrustPostQuantum, when set, means classical RSA/ECDSA JCat
	// signatures never confer trust.
	OnlyTrustPostQuantum bool `json:"only-trust-post-quantum,omitempty"`

	testRootDir string
}

// NewDefault returns a Config populated with the engine's default paths.
func NewDefault() *Config {
	c := &Config{
		ImmutableDataDir:           DefaultImmutableDataDir,
		SystemConfigDir:            DefaultSystemConfigDir,
		MutableStateDir:            DefaultMutableStateDir,
		RuntimeDir:                 DefaultRuntimeDir,
		LogLevel:                   logrus.InfoLevel.String(),
		PreferredMetadataExtension: "zst",
	}
	if v := os.Getenv(TestRootDirEnvKey); v != "" {
		c.testRootDir = filepath.Clean(v)
	}
	return c
}

// LoadOrGenerate reads path if it exists, otherwise returns the defaults.
// It never writes path back out: unlike a device agent, the engine has no
// enrollment step that needs to persist generated values.
func LoadOrGenerate(path string) (*Config, error) {
	cfg := NewDefault()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pathFor prepends the test root, if set, the same way the teacher's device
// fileio does for hermetic tests.
func (c *Config) pathFor(dir string) string {
	if c.testRootDir == "" {
		return dir
	}
	return filepath.Join(c.testRootDir, dir)
}

// RemoteSearchPath returns the three remotes.d directories in scan order:
// mutable state, system config, immutable data.
func (c *Config) RemoteSearchPath() []string {
	return []string{
		filepath.Join(c.pathFor(c.MutableStateDir), RemotesSubdir),
		filepath.Join(c.pathFor(c.SystemConfigDir), RemotesSubdir),
		filepath.Join(c.pathFor(c.ImmutableDataDir), RemotesSubdir),
	}
}

// MutableRemotesDir is where a Remote is saved when its source file is not
// writable.
func (c *Config) MutableRemotesDir() string {
	return filepath.Join(c.pathFor(c.MutableStateDir), RemotesSubdir)
}

// HistoryDatabasePath is the sqlite file backing the history store.
func (c *Config) HistoryDatabasePath() string {
	return filepath.Join(c.pathFor(c.MutableStateDir), "history.db")
}

// RebootRequiredPath is the full path to the reboot-required sentinel.
func (c *Config) RebootRequiredPath() string {
	return filepath.Join(c.pathFor(c.RuntimeDir), RebootRequiredMarker)
}

// ParsedLogLevel resolves LogLevel to a logrus.Level, defaulting to Info.
func (c *Config) ParsedLogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
