package remotelist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxfirm/fluxfirm/internal/remote"
)

func writeRemoteConf(t *testing.T, searchDir, id, body string) {
	t.Helper()
	d := filepath.Join(searchDir, "remotes.d")
	require.NoError(t, os.MkdirAll(d, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d, id+".conf"), []byte(body), 0o644))
}

func newTestList(t *testing.T, dirs []string, opts Options) *List {
	t.Helper()
	opts.SearchPath = dirs
	opts.Log = logrus.New()
	l, err := Load(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLoadScansAllTiersAndDedupesFirstWins(t *testing.T) {
	mutable, system := t.TempDir(), t.TempDir()
	writeRemoteConf(t, mutable, "alpha", "[fwupd Remote]\nMetadataURI = https://example.com/a.xml\nEnabled = true\n")
	writeRemoteConf(t, system, "alpha", "[fwupd Remote]\nMetadataURI = https://example.com/b.xml\nEnabled = false\n")
	writeRemoteConf(t, system, "beta", "[fwupd Remote]\nMetadataURI = https://example.com/c.xml\n")

	l := newTestList(t, []string{mutable, system}, Options{CacheDir: t.TempDir(), PreferredExt: "zst"})

	ids := map[string]*remote.Remote{}
	for _, r := range l.Remotes() {
		ids[r.ID] = r
	}
	require.Contains(t, ids, "alpha")
	require.Contains(t, ids, "beta")
	assert.Equal(t, "https://example.com/a.xml", ids["alpha"].MetadataURI) // mutable tier wins
}

func TestTestRemoteOnlyLoadedWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	writeRemoteConf(t, dir, testRemoteID, "[fwupd Remote]\nMetadataURI = https://example.com/t.xml\n")

	off := newTestList(t, []string{dir}, Options{CacheDir: t.TempDir(), PreferredExt: "zst"})
	assert.Len(t, off.Remotes(), 0)

	on := newTestList(t, []string{dir}, Options{CacheDir: t.TempDir(), PreferredExt: "zst", EnableTestRemotes: true})
	assert.Len(t, on.Remotes(), 1)
}

func TestSetEnableTestRemotesTriggersReload(t *testing.T) {
	dir := t.TempDir()
	writeRemoteConf(t, dir, testRemoteID, "[fwupd Remote]\nMetadataURI = https://example.com/t.xml\n")

	l := newTestList(t, []string{dir}, Options{CacheDir: t.TempDir(), PreferredExt: "zst"})
	require.Len(t, l.Remotes(), 0)

	require.NoError(t, l.SetEnableTestRemotes(true))
	assert.Len(t, l.Remotes(), 1)

	require.NoError(t, l.SetEnableTestRemotes(false))
	assert.Len(t, l.Remotes(), 0)
}

func TestDepsolveOrdersByConstraint(t *testing.T) {
	a := &remote.Remote{ID: "a", OrderAfter: []string{"b"}}
	b := &remote.Remote{ID: "b"}
	remotes := []*remote.Remote{a, b}
	require.NoError(t, depsolve(remotes))
	assert.Less(t, int(a.Priority), int(b.Priority))
}

func TestDepsolveFailsOnCycle(t *testing.T) {
	a := &remote.Remote{ID: "a", OrderAfter: []string{"b"}}
	b := &remote.Remote{ID: "b", OrderAfter: []string{"a"}}
	err := depsolve([]*remote.Remote{a, b})
	require.Error(t, err)
}

func TestAutofixRewritesLVFSExtension(t *testing.T) {
	r := &remote.Remote{ID: "lvfs", MetadataURI: "https://fwupd.org/downloads/firmware.xml.gz"}
	r.SetFilenameCache("/cache/lvfs.xml.gz")
	autofix(r, "zst")
	assert.Equal(t, "/cache/lvfs.xml.zst", r.FilenameCache())
}
