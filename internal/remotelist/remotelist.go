// Package remotelist loads, depsolves, prioritizes, and watches the set of
// configured Remotes.
package remotelist

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
	"github.com/fluxfirm/fluxfirm/internal/remote"
	"github.com/fluxfirm/fluxfirm/pkg/watch"
)

const (
	testRemoteID      = "fwupd-tests"
	legacyCachePrefix = "metadata."
	maxDepsolveRounds = 100
)

// List is the ordered, depsolved set of Remotes.
type List struct {
	log               logrus.FieldLogger
	searchPath        []string
	cacheDir          string
	preferredExt      string
	enableTestRemotes bool

	remotes []*remote.Remote
	watcher *watch.Coalescer
	Changed <-chan struct{}
}

// Options configures a Load.
type Options struct {
	Log               logrus.FieldLogger
	SearchPath        []string // mutable, system, immutable, in scan order
	CacheDir          string
	PreferredExt      string
	EnableTestRemotes bool
}

// Load scans every directory in opts.SearchPath for remotes.d/*.conf,
// dedupes by id (first occurrence wins), autofixes, depsolves priority,
// and installs a coalesced filesystem watcher.
func Load(opts Options) (*List, error) {
	l := &List{
		log:               opts.Log,
		searchPath:        opts.SearchPath,
		cacheDir:          opts.CacheDir,
		preferredExt:      opts.PreferredExt,
		enableTestRemotes: opts.EnableTestRemotes,
	}

	watcher, err := watch.New(opts.Log)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.KindInternal, err)
	}
	l.watcher = watcher
	l.Changed = watcher.Changed()

	if err := l.reload(); err != nil {
		watcher.Close()
		return nil, err
	}
	return l, nil
}

// Close tears down the filesystem watcher.
func (l *List) Close() error {
	return l.watcher.Close()
}

// Remotes returns the current depsolved, descending-priority list.
func (l *List) Remotes() []*remote.Remote {
	return l.remotes
}

// Reload re-scans every search directory. Exported so the engine can drive
// it directly in response to l.Changed without waiting on the watch loop.
func (l *List) Reload() error {
	return l.reload()
}

// SetEnableTestRemotes toggles inclusion of the built-in fwupd-tests remote
// and immediately rescans to apply the change.
func (l *List) SetEnableTestRemotes(v bool) error {
	l.enableTestRemotes = v
	return l.reload()
}

func (l *List) reload() error {
	seen := make(map[string]*remote.Remote)
	var order []string

	for _, dir := range l.searchPath {
		if err := l.watcher.Add(dir); err != nil && l.log != nil {
			l.log.WithField("dir", dir).WithError(err).Warn("remotelist: failed to watch directory")
		}
		confDir := filepath.Join(dir, "remotes.d")
		entries, err := os.ReadDir(confDir)
		if err != nil {
			continue // directory absent is not an error; the scan is best-effort across three tiers
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
				continue
			}
			path := filepath.Join(confDir, e.Name())
			id := strings.TrimSuffix(e.Name(), ".conf")
			if id == testRemoteID && !l.enableTestRemotes {
				continue
			}
			if _, dup := seen[id]; dup {
				continue // first occurrence wins across the three tiers
			}

			r, err := remote.Load(path, l.cacheDir, l.preferredExt)
			if err != nil {
				if l.log != nil {
					l.log.WithField("remote", id).WithError(err).Warn("remotelist: failed to load remote, skipping")
				}
				continue
			}
			autofix(r, l.preferredExt)
			if err := l.watcher.Add(path); err != nil && l.log != nil {
				l.log.WithField("path", path).WithError(err).Warn("remotelist: failed to watch remote file")
			}
			if isLVFS(r) {
				cleanupStaleCache(r, l.preferredExt)
			}

			seen[id] = r
			order = append(order, id)
		}
	}

	remotes := make([]*remote.Remote, 0, len(order))
	for _, id := range order {
		remotes = append(remotes, seen[id])
	}

	if err := depsolve(remotes); err != nil {
		return err
	}

	sort.SliceStable(remotes, func(i, j int) bool {
		if remotes[i].Priority != remotes[j].Priority {
			return remotes[i].Priority > remotes[j].Priority
		}
		return remotes[i].ID < remotes[j].ID
	})

	l.remotes = remotes
	return nil
}

// autofix rewrites an LVFS remote's in-memory MetadataURI/filename_cache
// extension to the caller's preferred format.
func autofix(r *remote.Remote, preferredExt string) {
	if preferredExt == "" || !isLVFS(r) {
		return
	}
	switch ext := filepath.Ext(r.MetadataURI); ext {
	case ".gz", ".xz", ".zst":
		if ext != "."+preferredExt {
			r.MetadataURI = strings.TrimSuffix(r.MetadataURI, ext) + "." + preferredExt
		}
	}
	cache := r.FilenameCache()
	if cache == "" {
		return
	}
	ext := filepath.Ext(cache)
	switch ext {
	case ".gz", ".xz", ".zst":
		if ext == "."+preferredExt {
			return
		}
		r.SetFilenameCache(strings.TrimSuffix(cache, ext) + "." + preferredExt)
	}
}

func isLVFS(r *remote.Remote) bool {
	if strings.Contains(strings.ToLower(r.ID), "lvfs") {
		return true
	}
	return strings.Contains(r.MetadataURI, "fwupd.org")
}

// cleanupStaleCache deletes, in the remote's cache directory, legacy
// "metadata.*" cache files and files whose name starts with the remote's id
// and whose extension is neither "jcat" nor preferredExt. Other files in
// that directory are left in place whatever their extension.
func cleanupStaleCache(r *remote.Remote, preferredExt string) {
	cache := r.FilenameCache()
	if cache == "" {
		return
	}
	dir := filepath.Dir(cache)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		stale := strings.HasPrefix(name, legacyCachePrefix) ||
			(ext != "jcat" && ext != preferredExt && strings.HasPrefix(name, r.ID))
		if stale {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
}

// depsolve bumps priorities until every order_before/order_after constraint
// is satisfied, capped at maxDepsolveRounds. Constraints referencing remote
// ids not present in remotes are ignored.
func depsolve(remotes []*remote.Remote) error {
	byID := make(map[string]*remote.Remote, len(remotes))
	for _, r := range remotes {
		byID[r.ID] = r
	}

	for round := 0; round < maxDepsolveRounds; round++ {
		changed := false
		for _, r := range remotes {
			for _, beforeID := range r.OrderBefore {
				before, ok := byID[beforeID]
				if !ok {
					continue
				}
				if r.Priority <= before.Priority {
					r.Priority = before.Priority + 1
					changed = true
				}
			}
			for _, afterID := range r.OrderAfter {
				after, ok := byID[afterID]
				if !ok {
					continue
				}
				if r.Priority >= after.Priority {
					after.Priority = r.Priority + 1
					changed = true
				}
			}
		}
		if !changed {
			return nil
		}
	}
	return fwerr.New(fwerr.KindInternal, "remote priority depsolve did not converge within %d rounds", maxDepsolveRounds)
}
