package remote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDownloadRemote(t *testing.T) {
	dir := t.TempDir()
	p := writeConf(t, dir, "lvfs.conf", "[fwupd Remote]\nMetadataURI = https://fwupd.org/downloads/firmware.xml.gz\nEnabled = true\nOrderAfter = other\n")

	r, err := Load(p, dir, "zst")
	require.NoError(t, err)
	assert.Equal(t, KindDownload, r.Kind)
	assert.True(t, r.HasFlag(FlagEnabled))
	assert.Equal(t, []string{"other"}, r.OrderAfter)
	assert.Equal(t, uint64(defaultRefreshInterval), r.RefreshInterval)
	assert.Equal(t, r.FilenameCache()+".jcat", r.FilenameCacheSig())
}

func TestLoadLocalRemoteRequiresExistingFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.xml")
	p := writeConf(t, dir, "local.conf", "[fwupd Remote]\nMetadataURI = file://"+missing+"\n")

	_, err := Load(p, dir, "zst")
	require.Error(t, err)

	target := filepath.Join(dir, "present.xml")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	p2 := writeConf(t, dir, "local2.conf", "[fwupd Remote]\nMetadataURI = file://"+target+"\n")
	r, err := Load(p2, dir, "zst")
	require.NoError(t, err)
	assert.Equal(t, KindLocal, r.Kind)
	assert.Equal(t, target, r.FilenameCache())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := writeConf(t, dir, "lvfs.conf", "[fwupd Remote]\nMetadataURI = https://fwupd.org/downloads/firmware.xml.gz\nEnabled = true\nUsername = bob\n")

	r, err := Load(p, dir, "zst")
	require.NoError(t, err)
	require.NoError(t, r.Save(dir))

	reloaded, err := Load(p, dir, "zst")
	require.NoError(t, err)
	assert.Equal(t, r.Username, reloaded.Username)
	assert.Equal(t, r.HasFlag(FlagEnabled), reloaded.HasFlag(FlagEnabled))
}

func TestBuildFirmwareURI(t *testing.T) {
	r := &Remote{FirmwareBaseURI: "https://cdn.example.com/fw"}
	out, err := r.BuildFirmwareURI("https://fwupd.org/downloads/sub/device-1.2.3.cab")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/fw/device-1.2.3.cab", out)

	r2 := &Remote{}
	out2, err := r2.BuildFirmwareURI("https://fwupd.org/downloads/device.cab")
	require.NoError(t, err)
	assert.Equal(t, "https://fwupd.org/downloads/device.cab", out2)
}
