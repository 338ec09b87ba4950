package device

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/beevik/etree"
	"github.com/sirupsen/logrus"

	"github.com/fluxfirm/fluxfirm/internal/silo"
)

// Registry holds every discovered device and implements the add/lookup/
// adopt algorithm.
type Registry struct {
	log     logrus.FieldLogger
	byID    map[string]*Device
	order   []string // insertion order, stable iteration for adoption scans
}

// NewRegistry returns an empty Registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{log: log, byID: make(map[string]*Device)}
}

// All returns every registered device, in registration order.
func (r *Registry) All() []*Device {
	out := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Add runs the device registration algorithm: equivalent-id dedup,
// id-collision/replug handling, parent/child adoption in both directions,
// and md-set-* private-flag resolution. silo may be nil when no metadata
// is available yet for md-set-* resolution.
func (r *Registry) Add(d *Device, s *silo.Silo) (*Device, error) {
	d.DeriveID()

	// Step 2: equivalent-id dedup.
	if d.EquivalentID != "" {
		for _, existing := range r.byID {
			if existing.EquivalentID != d.EquivalentID || existing == d {
				continue
			}
			if d.Priority > existing.Priority {
				existing.SetFlag(FlagUpdatable, false)
				existing.AddProblem(ProblemLowerPriority)
			} else {
				d.SetFlag(FlagUpdatable, false)
				d.AddProblem(ProblemLowerPriority)
			}
			break
		}
	}

	// Step 3: id-collision / wait-for-replug handling.
	if existing, ok := r.byID[d.ID]; ok {
		if existing.HasFlag(FlagWaitForReplug) {
			r.replace(existing, d)
		} else {
			mergeInto(existing, d)
			d = existing
		}
	} else {
		r.insert(d)
	}

	// Step 4: parent adoption, both directions.
	r.adoptParent(d)
	r.adoptOrphans(d)

	// Steps 5-6: md-set-* private flags.
	if s != nil {
		r.applyMetadataFlags(d, s)
	}

	d.SetFlag(FlagRegistered, true)
	return d, nil
}

func (r *Registry) insert(d *Device) {
	r.byID[d.ID] = d
	r.order = append(r.order, d.ID)
}

func (r *Registry) replace(old, incoming *Device) {
	incoming.ID = old.ID
	r.byID[old.ID] = incoming
}

// mergeInto merges any vendor/metadata the caller supplied on incoming into
// existing, keeping existing as canonical.
func mergeInto(existing, incoming *Device) {
	if existing.Vendor == "" {
		existing.Vendor = incoming.Vendor
	}
	if existing.Name == "" {
		existing.Name = incoming.Name
	}
	for guid := range incoming.GUIDs {
		existing.GUIDs[guid] = struct{}{}
	}
	for iid := range incoming.InstanceIDs {
		existing.InstanceIDs[iid] = struct{}{}
	}
}

// adoptParent scans all registered devices for one matching d's
// parent_guids/parent_physical_ids/parent_backend_ids.
func (r *Registry) adoptParent(d *Device) {
	if d.Parent != "" {
		return
	}
	for _, candidate := range r.byID {
		if candidate == d {
			continue
		}
		if matchesParent(candidate, d) {
			d.Parent = candidate.ID
			if d.Vendor == "" {
				d.Vendor = candidate.Vendor
			}
			d.Order = candidate.Order + 1 // children run after their parent: order(parent) < order(child)
			candidate.Children = appendUnique(candidate.Children, d.ID)
			return
		}
	}
}

// adoptOrphans applies adoption symmetrically: when a parent is added,
// previously-registered devices naming it as a parent are adopted.
func (r *Registry) adoptOrphans(parent *Device) {
	for _, child := range r.byID {
		if child == parent || child.Parent != "" {
			continue
		}
		if matchesParent(parent, child) {
			child.Parent = parent.ID
			if child.Vendor == "" {
				child.Vendor = parent.Vendor
			}
			child.Order = parent.Order + 1 // children run after their parent: order(parent) < order(child)
			parent.Children = appendUnique(parent.Children, child.ID)
		}
	}
}

func matchesParent(candidate, d *Device) bool {
	for _, g := range d.ParentGUIDs {
		if candidate.HasGUID(g) {
			return true
		}
	}
	for _, pid := range d.ParentPhysicalIDs {
		if candidate.PhysicalID == pid {
			return true
		}
	}
	for _, bid := range d.ParentBackendIDs {
		if candidate.BackendID == bid {
			return true
		}
	}
	return false
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// applyMetadataFlags resolves every md-set-* private flag against the
// highest-priority matching component.
func (r *Registry) applyMetadataFlags(d *Device, s *silo.Silo) {
	if !d.HasPrivateFlag(PrivateMDSetVerFmt) &&
		!d.HasPrivateFlag(PrivateMDSetVendor) &&
		!d.HasPrivateFlag(PrivateMDSetNameCategory) &&
		!d.HasPrivateFlag(PrivateMDSetIcon) &&
		!d.HasPrivateFlag(PrivateMDSetSigned) &&
		!d.HasPrivateFlag(PrivateMDSetFlags) &&
		!d.HasPrivateFlag(PrivateMDSetRequiredFree) {
		return
	}
	comp, ok := s.GetComponentByGUIDs(d.GUIDs)
	if !ok {
		return
	}
	if d.HasPrivateFlag(PrivateMDSetVerFmt) && d.VersionFormat == "" {
		if vf := componentCustomValue(comp, "LVFS::VersionFormat"); vf != "" {
			d.VersionFormat = VersionFormat(vf)
		}
	}
	if d.HasPrivateFlag(PrivateMDSetVendor) && d.Vendor == "" {
		if dev := comp.SelectElement("developer_name"); dev != nil {
			d.Vendor = dev.Text()
		}
	}
	if d.HasPrivateFlag(PrivateMDSetNameCategory) {
		applyNameCategory(d, comp)
	}
	if d.HasPrivateFlag(PrivateMDSetIcon) && len(d.Icons) == 0 {
		for _, icon := range comp.SelectElements("icon") {
			if name := icon.Text(); name != "" {
				d.Icons = append(d.Icons, name)
			}
		}
	}
	if d.HasPrivateFlag(PrivateMDSetSigned) {
		switch componentCustomValue(comp, "LVFS::DeviceIntegrity") {
		case "signed":
			d.SetFlag(FlagSignedPayload, true)
		case "unsigned":
			d.SetFlag(FlagUnsignedPayload, true)
		}
	}
	if d.HasPrivateFlag(PrivateMDSetFlags) {
		if raw := componentCustomValue(comp, "LVFS::DeviceFlags"); raw != "" {
			for _, tok := range strings.Split(raw, ",") {
				applyFlagToken(d, strings.TrimSpace(tok))
			}
		}
	}
	if d.HasPrivateFlag(PrivateMDSetRequiredFree) && d.RequiredFree == 0 {
		if sz := comp.FindElement("releases/release/artifacts/artifact[@type='binary']/size[@type='installed']"); sz != nil {
			if n, err := strconv.ParseInt(sz.Text(), 10, 64); err == nil {
				d.RequiredFree = n
			}
		}
	}
}

// applyNameCategory sets d.Category from the component's first
// <categories><category> id, deriving a human-readable Name from it
// (AppStream category ids are CamelCase, optionally X-prefixed for
// vendor-specific categories, e.g. "X-GraphicsTablet" -> "Graphics
// Tablet"). Falls back to <name> when no category is present.
func applyNameCategory(d *Device, comp *etree.Element) {
	if cat := comp.FindElement("categories/category"); cat != nil && cat.Text() != "" {
		d.Category = cat.Text()
		if d.Name == "" {
			d.Name = humanizeCategory(cat.Text())
		}
		return
	}
	if d.Name == "" {
		if name := comp.SelectElement("name"); name != nil {
			d.Name = name.Text()
		}
	}
}

func humanizeCategory(cat string) string {
	cat = strings.TrimPrefix(cat, "X-")
	var b strings.Builder
	for i, r := range cat {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// flagTokens and privateFlagTokens list every typed Flag/PrivateFlag whose
// underlying string is a valid LVFS::DeviceFlags token, so a comma-separated
// metadata value maps onto the device's flag set without a bespoke table.
var flagTokens = []Flag{
	FlagUpdatable, FlagLocked, FlagNeedsReboot, FlagNeedsShutdown,
	FlagNeedsActivation, FlagWaitForReplug, FlagDualImage, FlagSignedPayload,
	FlagUnsignedPayload, FlagInternal, FlagSupported, FlagHistorical,
	FlagWildcardInstall, FlagWildcardTargets, FlagRequireAC, FlagRegistered,
	FlagOnlyExplicitUpdates,
}

var privateFlagTokens = []PrivateFlag{
	PrivateAutoParentChildren, PrivateMDSetVersion, PrivateMDSetVerFmt,
	PrivateMDSetIcon, PrivateMDSetVendor, PrivateMDSetNameCategory,
	PrivateMDSetSigned, PrivateMDSetFlags, PrivateMDSetRequiredFree,
	PrivateMDOnlyChecksum, PrivateInheritActivation, PrivateHostCPU,
	PrivateSaveIntoBackupRemote, PrivateInstallAllReleases,
}

func applyFlagToken(d *Device, tok string) {
	if tok == "" {
		return
	}
	for _, f := range flagTokens {
		if string(f) == tok {
			d.SetFlag(f, true)
			return
		}
	}
	for _, p := range privateFlagTokens {
		if string(p) == tok {
			d.SetPrivateFlag(p, true)
			return
		}
	}
}

func componentCustomValue(comp *etree.Element, key string) string {
	for _, v := range comp.FindElements("custom/value") {
		if v.SelectAttrValue("key", "") == key {
			return v.Text()
		}
	}
	return ""
}
