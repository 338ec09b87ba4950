// Package engine wires the core's components together: coldplug (device
// registration, activation inheritance), release resolution against a
// parsed cabinet, and install dispatch through the Install Planner.
// Grounded on cmd/flightctl-worker/main.go's top-level composition order
// (load config -> construct stores -> construct workers -> run).
package engine

import (
	"context"
	"os"
	"path/filepath"

	"github.com/beevik/etree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/fluxfirm/fluxfirm/internal/cabinet"
	"github.com/fluxfirm/fluxfirm/internal/config"
	"github.com/fluxfirm/fluxfirm/internal/device"
	"github.com/fluxfirm/fluxfirm/internal/fwerr"
	"github.com/fluxfirm/fluxfirm/internal/history"
	"github.com/fluxfirm/fluxfirm/internal/install"
	"github.com/fluxfirm/fluxfirm/internal/metrics"
	"github.com/fluxfirm/fluxfirm/internal/release"
	"github.com/fluxfirm/fluxfirm/internal/remotelist"
	"github.com/fluxfirm/fluxfirm/internal/silo"
	"github.com/fluxfirm/fluxfirm/pkg/hwid"
)

// Engine is the assembled core: everything needed to coldplug devices,
// resolve releases against a cabinet, and dispatch installs.
type Engine struct {
	log      logrus.FieldLogger
	cfg      *config.Config
	Devices  *device.Registry
	Remotes  *remotelist.List
	Hist     *history.Store
	Metrics  *metrics.Metrics
	Planner  *install.Planner
	provider install.Provider
	hwSet    hwid.Set
	certCtx  cabinet.CertContext
}

// Options configures New.
type Options struct {
	Log      logrus.FieldLogger
	Config   *config.Config
	Provider install.Provider
	HWSet    hwid.Set
	CertCtx  cabinet.CertContext
	Registry prometheus.Registerer
}

// New constructs an Engine: opens the history database, loads and depsolves
// the remote list, and builds a Planner bound to provider. Mirrors the
// teacher's runCmd ordering (config already loaded -> stores -> workers).
func New(opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewDefault()
	}

	for _, dir := range []string{cfg.MutableStateDir, cfg.RuntimeDir, cfg.MutableRemotesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fwerr.Wrap(fwerr.KindInternal, err)
		}
	}

	hist, err := history.Open(cfg.HistoryDatabasePath())
	if err != nil {
		return nil, err
	}

	// remotelist appends remotes.d itself, so pass the three tier directories
	var searchPath []string
	for _, dir := range cfg.RemoteSearchPath() {
		searchPath = append(searchPath, filepath.Dir(dir))
	}
	remotes, err := remotelist.Load(remotelist.Options{
		Log:               log,
		SearchPath:        searchPath,
		CacheDir:          cfg.MutableStateDir,
		PreferredExt:      cfg.PreferredMetadataExtension,
		EnableTestRemotes: cfg.EnableTestRemotes,
	})
	if err != nil {
		hist.Close()
		return nil, err
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.New(reg)

	planner := install.NewPlanner(log, opts.Provider, hist, m, cfg.RebootRequiredPath())

	return &Engine{
		log:      log,
		cfg:      cfg,
		Devices:  device.NewRegistry(log),
		Remotes:  remotes,
		Hist:     hist,
		Metrics:  m,
		Planner:  planner,
		provider: opts.Provider,
		hwSet:    opts.HWSet,
		certCtx:  opts.CertCtx,
	}, nil
}

// Close releases the history database and the remote list's filesystem
// watcher.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.Remotes.Close(); err != nil {
		firstErr = err
	}
	if err := e.Hist.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Coldplug registers every freshly-probed device, then applies activation
// inheritance across the whole registry: a device carrying
// inherit-activation re-emerges with needs-activation set until Activate is
// called, surviving a daemon restart.
func (e *Engine) Coldplug(devices []*device.Device, s *silo.Silo) error {
	for _, d := range devices {
		if _, err := e.Devices.Add(d, s); err != nil {
			return err
		}
	}

	entries, err := e.Hist.GetAll()
	if err != nil {
		return err
	}
	live := make(map[string]*device.Device, len(e.Devices.All()))
	for _, d := range e.Devices.All() {
		live[d.ID] = d
	}
	history.InheritActivation(entries, live)
	return nil
}

// LoadCabinet reads and parses a CAB archive at path into a trust-annotated
// Cabinet.
func (e *Engine) LoadCabinet(path string, maxSize int64) (*cabinet.Cabinet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fwerr.Wrap(fwerr.KindInvalidFile, err)
	}
	return cabinet.Parse(raw, cabinet.ParseOptions{MaxSize: maxSize, Cert: e.certCtx})
}

// ResolveReleases matches cab's components against d's GUIDs, loads every
// matching release, and classifies them into upgrades/downgrades/
// equivalents relative to d's current version.
func (e *Engine) ResolveReleases(cab *cabinet.Cabinet, d *device.Device, allowList map[string]bool) (release.Set, error) {
	var histVersionFormat device.VersionFormat
	if entry, err := e.Hist.GetDevice(d.ID); err == nil && entry.UpdateState == history.StateSuccess && entry.Release != nil {
		histVersionFormat = entry.Release.VersionFormat
	}

	var candidates []*release.Release
	for _, comp := range cab.Silo.GetComponents() {
		guids := componentGUIDs(comp)
		if !anyDeviceGUID(d, guids) {
			continue
		}
		metainfoName := componentMetainfoName(comp)
		compID := componentID(comp)
		for _, node := range comp.FindElements("releases/release") {
			r, err := release.Load(node, compID, d, cab, metainfoName, e.hwSet, histVersionFormat)
			if err != nil {
				e.log.WithField("device_id", d.ID).WithField("component", compID).WithError(err).Warn("engine: skipping unusable release")
				continue
			}
			if !r.ValidFor(d, guids) {
				continue
			}
			candidates = append(candidates, r)
		}
	}

	containerSHA1 := func(r *release.Release) string {
		sha1Hex, _ := cab.ContainerChecksums()
		return sha1Hex
	}
	return release.Classify(d.Version, d.VersionFormat, candidates, allowList, containerSHA1, d.HasFlag(device.FlagOnlyExplicitUpdates)), nil
}

// Install resolves cab's releases for d and dispatches either a single
// install of the best upgrade, or, when d carries install-all-releases, the
// full ascending chain of upgrades as sequential mini-upgrade Pairs against
// the same cabinet.
func (e *Engine) Install(ctx context.Context, d *device.Device, cab *cabinet.Cabinet, flags install.Flags, sink install.RequestSink, prog install.Progress) error {
	set, err := e.ResolveReleases(cab, d, nil)
	if err != nil {
		return err
	}

	var chosen []*release.Release
	switch {
	case d.HasPrivateFlag(device.PrivateInstallAllReleases) && len(set.Upgrades) > 0:
		chosen = ascendingCopy(set.Upgrades, d.VersionFormat)
	case len(set.Upgrades) > 0:
		chosen = []*release.Release{set.Upgrades[0]} // highest-version upgrade, set.Upgrades is sorted descending
	case flags.AllowOlder && len(set.Downgrades) > 0:
		chosen = []*release.Release{set.Downgrades[0]}
	case len(set.Downgrades) > 0:
		// a downgrade exists but wasn't asked for: reject on the release's
		// version rather than claiming nothing is available
		return fwerr.New(fwerr.KindInvalidFile, "release %s is older than installed version %s; retry with allow-older", set.Downgrades[0].Version, d.Version)
	case flags.AllowReinstall && len(set.Equivalents) > 0:
		chosen = []*release.Release{set.Equivalents[0]}
	default:
		return fwerr.New(fwerr.KindNothingToDo, "no applicable release for device %s", d.ID)
	}

	pairs := make([]install.Pair, 0, len(chosen))
	for _, r := range chosen {
		payload, ok := cab.Entry(r.FirmwareBasename)
		if !ok {
			return fwerr.New(fwerr.KindInvalidFile, "release %s: payload %q missing from cabinet", r.Version, r.FirmwareBasename)
		}
		pairs = append(pairs, install.Pair{Device: d, Release: r, Payload: payload})
	}
	return e.Planner.Install(ctx, pairs, flags, sink, prog)
}

// Activate finalizes a pending activation: the device's version advances
// to the release recorded by the original install, and its
// needs-activation flag clears.
func (e *Engine) Activate(ctx context.Context, deviceID string, prog install.Progress) error {
	d, err := e.Devices.GetDevice(deviceID)
	if err != nil {
		return err
	}
	if !d.HasFlag(device.FlagNeedsActivation) {
		return fwerr.New(fwerr.KindNothingToDo, "device %s has no pending activation", deviceID)
	}
	entry, err := e.Hist.GetDevice(d.ID)
	if err != nil {
		return err
	}
	if err := e.provider.Activate(ctx, d, prog); err != nil {
		return err
	}
	d.SetFlag(device.FlagNeedsActivation, false)
	if entry.Release != nil {
		d.Version = entry.Release.Version
	}
	return e.Hist.SetState(d.ID, history.StateSuccess, nil)
}

func ascendingCopy(releases []*release.Release, format device.VersionFormat) []*release.Release {
	out := make([]*release.Release, len(releases))
	copy(out, releases)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i] // set.Upgrades is descending; reverse to ascending for sequential application
	}
	return out
}

func anyDeviceGUID(d *device.Device, guids []string) bool {
	for _, g := range guids {
		if d.HasGUID(g) {
			return true
		}
	}
	return false
}

// componentGUIDs, componentID, and componentMetainfoName mirror the small
// etree lookups package silo keeps private to itself: Silo only exports
// GetComponents/Query over *etree.Element, so the resolver reads the
// returned nodes directly the same way package release reads a <release>
// node.
func componentGUIDs(comp *etree.Element) []string {
	provides := comp.SelectElement("provides")
	if provides == nil {
		return nil
	}
	var out []string
	for _, fw := range provides.SelectElements("firmware") {
		if fw.SelectAttrValue("type", "") != "flashed" {
			continue
		}
		out = append(out, fw.Text())
	}
	return out
}

func componentID(comp *etree.Element) string {
	if e := comp.SelectElement("id"); e != nil {
		return e.Text()
	}
	return ""
}

func componentMetainfoName(comp *etree.Element) string {
	if e := comp.FindElement("info/filename"); e != nil {
		return e.Text()
	}
	return ""
}
