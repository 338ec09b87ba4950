package install

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fluxfirm/fluxfirm/internal/cabinet"
	"github.com/fluxfirm/fluxfirm/internal/device"
	"github.com/fluxfirm/fluxfirm/internal/fwerr"
	"github.com/fluxfirm/fluxfirm/internal/history"
	"github.com/fluxfirm/fluxfirm/internal/metrics"
	"github.com/fluxfirm/fluxfirm/internal/release"
)

// Pair is one (device, release) install target with its resolved payload.
type Pair struct {
	Device  *device.Device
	Release *release.Release
	Payload []byte
}

// Flags mirrors the caller-supplied flag set an install request carries.
type Flags struct {
	Force          bool
	AllowOlder     bool
	AllowReinstall bool
	NoHistory      bool
	IgnoreChecksum bool
	OnlyTrustPQ    bool
}

// Planner sequences multi-device installs: ordering, retries, history, and
// reboot/activation bookkeeping around the per-device state machine.
type Planner struct {
	log              logrus.FieldLogger
	provider         Provider
	hist             *history.Store
	metrics          *metrics.Metrics
	rebootMarkerPath string
	retries          map[fwerr.Kind]RetryPredicate
}

// NewPlanner constructs a Planner. hist and m may be nil in tests that
// don't need persistence or metrics.
func NewPlanner(log logrus.FieldLogger, provider Provider, hist *history.Store, m *metrics.Metrics, rebootMarkerPath string) *Planner {
	return &Planner{
		log:              log,
		provider:         provider,
		hist:             hist,
		metrics:          m,
		rebootMarkerPath: rebootMarkerPath,
		retries:          make(map[fwerr.Kind]RetryPredicate),
	}
}

// RegisterRetry installs a recovery predicate for a specific error kind.
func (p *Planner) RegisterRetry(kind fwerr.Kind, pred RetryPredicate) {
	p.retries[kind] = pred
}

// Install runs every pair's detach->write->attach->reload->activate-if-
// pending progression, ordering parents before children. Multiple pairs
// submitted for the same device are treated as a sequence of install-all-
// releases mini-upgrades and are run one after another against that device,
// in ascending version order when the device carries the private flag.
func (p *Planner) Install(ctx context.Context, pairs []Pair, flags Flags, sink RequestSink, prog Progress) error {
	if len(pairs) == 0 {
		return fwerr.New(fwerr.KindNothingToDo, "no (device, release) pairs submitted")
	}

	waves := groupSequencesByOrder(groupByDevice(pairs))
	var firstErr error
	failedParents := make(map[string]bool)

	for _, wave := range waves {
		g, gctx := errgroup.WithContext(ctx)
		for _, seq := range wave {
			seq := seq
			d := seq[0].Device
			if d.Parent != "" && failedParents[d.Parent] {
				continue // a failed parent's children are skipped, not attempted
			}
			g.Go(func() error {
				err := p.installSequence(gctx, seq, flags, sink, prog)
				if err != nil {
					if firstErr == nil {
						firstErr = err
					}
					failedParents[d.ID] = true
				}
				return nil // per-device failure doesn't halt the batch
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return firstErr
}

// groupByDevice collects pairs targeting the same device into one ordered
// sequence each, preserving first-appearance order across devices.
func groupByDevice(pairs []Pair) [][]Pair {
	idx := make(map[string]int, len(pairs))
	var out [][]Pair
	for _, pr := range pairs {
		i, ok := idx[pr.Device.ID]
		if !ok {
			idx[pr.Device.ID] = len(out)
			out = append(out, []Pair{pr})
			continue
		}
		out[i] = append(out[i], pr)
	}
	return out
}

// groupSequencesByOrder waves device sequences by their Device.Order so
// parents (lower order) run to completion before their children attempt
// write.
func groupSequencesByOrder(seqs [][]Pair) [][][]Pair {
	sorted := append([][]Pair(nil), seqs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i][0].Device.Order < sorted[j][0].Device.Order })

	var waves [][][]Pair
	var cur [][]Pair
	var curOrder int
	for i, seq := range sorted {
		if i == 0 || seq[0].Device.Order != curOrder {
			if len(cur) > 0 {
				waves = append(waves, cur)
			}
			cur = nil
			curOrder = seq[0].Device.Order
		}
		cur = append(cur, seq)
	}
	if len(cur) > 0 {
		waves = append(waves, cur)
	}
	return waves
}

// installSequence applies every pair targeting one device in turn. For a
// device flagged install-all-releases, the sequence is sorted into
// ascending version order first, applying each release as a sequential
// mini-upgrade with device state re-read between steps: since pair.Device
// is the same pointer throughout, the next pair's prepare() naturally sees
// the version installOne just wrote.
func (p *Planner) installSequence(ctx context.Context, seq []Pair, flags Flags, sink RequestSink, prog Progress) error {
	d := seq[0].Device
	if d.HasPrivateFlag(device.PrivateInstallAllReleases) {
		sortSequenceAscending(seq)
	}
	for _, pair := range seq {
		if err := p.installOne(ctx, pair, flags, sink, prog); err != nil {
			return err
		}
	}
	return nil
}

func sortSequenceAscending(seq []Pair) {
	if len(seq) < 2 {
		return
	}
	d := seq[0].Device
	sort.SliceStable(seq, func(i, j int) bool {
		return release.CompareVersions(seq[i].Release.Version, seq[j].Release.Version, d.VersionFormat) < 0
	})
}

// installOne drives a single (device, release) pair through the fixed
// sub-step progression; installSequence calls it once per pair.
func (p *Planner) installOne(ctx context.Context, pair Pair, flags Flags, sink RequestSink, prog Progress) error {
	start := time.Now()
	d, r := pair.Device, pair.Release

	if err := p.prepare(d, r, flags); err != nil {
		p.recordFailure(d, r, err)
		return err
	}

	if p.hist != nil && !flags.NoHistory {
		_ = p.hist.Add(d, r)
	}

	fsmErr := p.runStateMachine(ctx, d, pair.Payload, flags, sink, prog)

	if p.metrics != nil {
		p.metrics.InstallAttempts.WithLabelValues(d.PluginName).Inc()
		p.metrics.InstallDuration.WithLabelValues(d.PluginName).Observe(time.Since(start).Seconds())
	}

	if fsmErr != nil {
		p.recordFailure(d, r, fsmErr)
		return fsmErr
	}

	if d.HasFlag(device.FlagNeedsReboot) {
		p.markRebootRequired()
		if p.hist != nil && !flags.NoHistory {
			_ = p.hist.SetState(d.ID, history.StateNeedsReboot, nil)
		}
		return nil
	}
	if d.HasFlag(device.FlagNeedsActivation) {
		if p.hist != nil && !flags.NoHistory {
			_ = p.hist.SetState(d.ID, history.StateNeedsActivation, nil)
		}
		return nil
	}

	d.Version = r.Version
	if p.hist != nil && !flags.NoHistory {
		_ = p.hist.SetState(d.ID, history.StateSuccess, nil)
	}
	return nil
}

// prepare runs the per-pair preparation checks before a device's install
// sequence starts writing firmware.
func (p *Planner) prepare(d *device.Device, r *release.Release, flags Flags) error {
	if d.HasPrivateFlag(device.PrivateMDOnlyChecksum) {
		ok := false
		for _, digest := range r.Checksums {
			if digest == d.Version { // "device"-target checksum compared against current device checksum
				ok = true
				break
			}
		}
		if !ok && !flags.Force {
			return fwerr.New(fwerr.KindInvalidFile, "device %s requires md-only-checksum match and none of the release's checksums match", d.ID)
		}
	}
	if flags.OnlyTrustPQ && !r.Flags[cabinet.TrustedPayload] {
		return fwerr.New(fwerr.KindSignatureInvalid, "release %s lacks trusted-payload and only-trust-pq was requested", r.Version)
	}
	return nil
}

// runStateMachine drives a looplab/fsm instance through
// detach -> write -> attach -> reload, firing "fail" on any non-terminal
// error and best-effort attaching afterward. The FSM's role is bookkeeping
// the device's current phase for logging and for the EventFail terminal
// transition; the provider calls that actually perform the work are invoked
// around each event.
func (p *Planner) runStateMachine(ctx context.Context, d *device.Device, payload []byte, flags Flags, sink RequestSink, prog Progress) error {
	m := newDeviceFSM(nil)
	log := p.log
	if log == nil {
		log = logrus.StandardLogger()
	}

	fail := func(step string, err error) error {
		if p.metrics != nil {
			p.metrics.InstallFailures.WithLabelValues(fwerr.KindOf(err).String()).Inc()
		}
		log.WithField("device_id", d.ID).WithField("step", step).WithError(err).Warn("install: step failed, attempting best-effort attach")
		_ = p.provider.Attach(ctx, d, prog) // best-effort so the device isn't left stuck mid-detach
		_ = m.Event(ctx, EventFail)
		return fmt.Errorf("%s: %w", step, err)
	}

	if prog != nil {
		prog.Step(d.ID, EventDetach)
	}
	if err := p.provider.Detach(ctx, d, prog); err != nil {
		return fail(EventDetach, err)
	}
	if err := m.Event(ctx, EventDetach); err != nil {
		return fail(EventDetach, err)
	}

	writeFlags := WriteFlags{IgnoreChecksum: flags.IgnoreChecksum, Force: flags.Force}
	if prog != nil {
		prog.Step(d.ID, EventWrite)
	}
	if err := p.retryableWrite(ctx, d, payload, prog, writeFlags, sink); err != nil {
		return fail(EventWrite, err)
	}
	if err := m.Event(ctx, EventWrite); err != nil {
		return fail(EventWrite, err)
	}

	if prog != nil {
		prog.Step(d.ID, EventAttach)
	}
	if err := p.provider.Attach(ctx, d, prog); err != nil {
		return fail(EventAttach, err)
	}
	if err := m.Event(ctx, EventAttach); err != nil {
		return fail(EventAttach, err)
	}

	if prog != nil {
		prog.Step(d.ID, EventReload)
	}
	if err := p.provider.Reload(ctx, d); err != nil {
		return fail(EventReload, err)
	}
	if err := m.Event(ctx, EventReload); err != nil {
		return fail(EventReload, err)
	}

	if d.HasFlag(device.FlagNeedsActivation) {
		if prog != nil {
			prog.Step(d.ID, "activate-if-pending")
		}
		if err := p.provider.Activate(ctx, d, prog); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
	}
	return nil
}

// retryableWrite retries write_firmware when either a plugin raised a
// user-visible device-request (forwarded to the caller's request sink while
// holding progress state "waiting-for-user", then resumed) or a predicate
// was registered for the error's kind.
func (p *Planner) retryableWrite(ctx context.Context, d *device.Device, payload []byte, prog Progress, flags WriteFlags, sink RequestSink) error {
	err := p.provider.WriteFirmware(ctx, d, payload, prog, flags)
	if err == nil {
		return nil
	}

	if fwerr.KindOf(err) == fwerr.KindNeedsUserAction && sink != nil {
		if prog != nil {
			prog.Step(d.ID, "waiting-for-user")
		}
		if notifyErr := sink.Notify(ctx, DeviceRequest{DeviceID: d.ID, Message: err.Error()}); notifyErr != nil {
			return notifyErr
		}
		return p.provider.WriteFirmware(ctx, d, payload, prog, flags)
	}

	pred, ok := p.retries[fwerr.KindOf(err)]
	if !ok || !pred(err) {
		return err
	}
	return p.provider.WriteFirmware(ctx, d, payload, prog, flags)
}

func (p *Planner) recordFailure(d *device.Device, r *release.Release, err error) {
	if fwerr.KindOf(err) == fwerr.KindCancelled {
		err = fwerr.Wrap(fwerr.KindCancelled, err)
	}
	if p.hist != nil {
		_ = p.hist.SetState(d.ID, history.StateFailed, err)
	}
}

func (p *Planner) markRebootRequired() {
	if p.rebootMarkerPath == "" {
		return
	}
	f, err := os.OpenFile(p.rebootMarkerPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		if p.log != nil {
			p.log.WithError(err).Warn("install: failed to create reboot-required marker")
		}
		return
	}
	f.Close()
}
