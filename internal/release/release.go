// Package release implements the Release Resolver: component↔device
// matching, requires/HWID verification, and upgrade/downgrade/equivalent
// set computation.
package release

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/fluxfirm/fluxfirm/internal/cabinet"
	"github.com/fluxfirm/fluxfirm/internal/device"
	"github.com/fluxfirm/fluxfirm/internal/fwerr"
	"github.com/fluxfirm/fluxfirm/pkg/hwid"
)

const defaultPayloadBasename = "firmware.bin"
const engineRequiresID = "org.freedesktop.fwupd"

// EngineVersion is this engine's own version, compared against a
// component's <requires><id compare="..." version="...">
// org.freedesktop.fwupd</id> clause the same way fwupd's daemon compares
// its own RuntimeVersion(org.freedesktop.fwupd) against that requirement.
const EngineVersion = "2.0.0"

// Release is a view over a <release> node bound to a specific device and
// cabinet.
type Release struct {
	AppstreamID     string
	Version         string
	VersionFormat   device.VersionFormat
	FirmwareBasename string
	Flags           map[cabinet.TrustFlag]bool
	InstallDuration int
	Checksums       map[string]string // algorithm -> hex digest
	Locations       []string

	node *etree.Element
}

// Load builds a Release from a <release> node bound to (d, cab, component),
// verifying its <requires> clauses and content checksums. histVersionFormat
// is the version format recorded by d's most recent successful history
// entry, if any; it takes precedence over the component's own metadata when
// md-set-verfmt resolution is needed.
func Load(node *etree.Element, compID string, d *device.Device, cab *cabinet.Cabinet, metainfoName string, hwSet hwid.Set, histVersionFormat device.VersionFormat) (*Release, error) {
	if err := verifyRequires(node, hwSet); err != nil {
		return nil, err
	}

	basename := payloadBasename(node)
	payload, ok := cab.Entry(basename)
	if !ok {
		return nil, fwerr.New(fwerr.KindInvalidFile, "release %s: payload %q not present in cabinet", node.SelectAttrValue("version", "?"), basename)
	}

	if sizeEl := node.FindElement("size[@type='installed']"); sizeEl != nil {
		declared, err := strconv.Atoi(sizeEl.Text())
		if err == nil && declared != len(payload) {
			return nil, fwerr.New(fwerr.KindInvalidFile, "release %s: installed size %d disagrees with payload length %d", node.SelectAttrValue("version", "?"), declared, len(payload))
		}
	}

	checksums := make(map[string]string)
	for _, cs := range node.SelectElements("checksum") {
		if cs.SelectAttrValue("target", "") != "content" {
			continue
		}
		want := strings.ToLower(strings.TrimSpace(cs.Text()))
		if want == "" {
			continue
		}
		algo, got := digestByLength(payload, len(want))
		if got == "" {
			continue
		}
		if got != want {
			return nil, fwerr.New(fwerr.KindInvalidFile, "release %s: content checksum mismatch", node.SelectAttrValue("version", "?"))
		}
		checksums[algo] = got
	}

	verFormat := d.VersionFormat
	if d.HasPrivateFlag(device.PrivateMDSetVerFmt) && verFormat == "" {
		verFormat = histVersionFormat
	}
	if d.HasPrivateFlag(device.PrivateMDSetVerFmt) && verFormat == "" {
		vf := customValue(node, "LVFS::VersionFormat")
		if releases := node.Parent(); vf == "" && releases != nil && releases.Parent() != nil {
			vf = customValue(releases.Parent(), "LVFS::VersionFormat") // owning <component>
		}
		if vf != "" {
			verFormat = device.VersionFormat(vf)
		}
	}

	r := &Release{
		AppstreamID:      compID,
		Version:          node.SelectAttrValue("version", ""),
		VersionFormat:    verFormat,
		FirmwareBasename: basename,
		Flags:            cab.TrustFlags(metainfoName, basename),
		Checksums:        checksums,
		node:             node,
	}
	return r, nil
}

// verifyRequires checks <requires><id> and <requires><hardware> clauses
// against the running engine's own version and the platform HWID set.
func verifyRequires(node *etree.Element, hwSet hwid.Set) error {
	requires := node.SelectElement("requires")
	if requires == nil {
		// a release node may inherit <requires> from its owning component;
		// callers that need component-level requires should pass the
		// merged node in.
		return nil
	}
	for _, idReq := range requires.SelectElements("id") {
		if idReq.Text() != engineRequiresID {
			continue
		}
		want := idReq.SelectAttrValue("version", "")
		if want == "" {
			continue
		}
		compare := idReq.SelectAttrValue("compare", "ge")
		cmp := CompareVersions(EngineVersion, want, device.VersionFormatTriplet)
		var satisfied bool
		switch compare {
		case "eq":
			satisfied = cmp == 0
		case "ne":
			satisfied = cmp != 0
		case "lt":
			satisfied = cmp < 0
		case "le":
			satisfied = cmp <= 0
		case "gt":
			satisfied = cmp > 0
		case "ge", "":
			satisfied = cmp >= 0
		default:
			satisfied = true // unrecognized operator: nothing concrete to enforce
		}
		if !satisfied {
			return fwerr.New(fwerr.KindInvalidFile, "unmet requirement: engine version %s %s %s", EngineVersion, compare, want)
		}
	}
	for _, hw := range requires.SelectElements("hardware") {
		guid := strings.TrimSpace(hw.Text())
		if guid == "" {
			continue
		}
		if !hwSet.Has(guid) {
			return fwerr.New(fwerr.KindInvalidFile, "unmet hardware requirement %s", guid)
		}
	}
	return nil
}

// payloadBasename finds the payload filename for node: the content
// checksum's filename attribute if present, else the first artifact
// filename, else the default basename.
func payloadBasename(node *etree.Element) string {
	for _, cs := range node.SelectElements("checksum") {
		if cs.SelectAttrValue("target", "") == "content" {
			if fn := cs.SelectAttrValue("filename", ""); fn != "" {
				return fn
			}
		}
	}
	if art := node.FindElement("artifacts/artifact/filename"); art != nil {
		return art.Text()
	}
	return defaultPayloadBasename
}

func digestByLength(payload []byte, hexLen int) (algo, digest string) {
	switch hexLen {
	case 40:
		s := sha1.Sum(payload)
		return "sha1", hex.EncodeToString(s[:])
	case 64:
		s := sha256.Sum256(payload)
		return "sha256", hex.EncodeToString(s[:])
	default:
		return "", ""
	}
}

func customValue(node *etree.Element, key string) string {
	for _, v := range node.FindElements("custom/value") {
		if v.SelectAttrValue("key", "") == key {
			return v.Text()
		}
	}
	return ""
}

// ValidFor reports whether r is valid for d: every requires clause
// satisfied (checked at Load time), the provides GUID is in d's set, and
// all content checksums resolved (also checked at Load time). GUID
// matching is re-checked here since components are matched before
// per-release Load.
func (r *Release) ValidFor(d *device.Device, componentGUIDs []string) bool {
	for _, g := range componentGUIDs {
		if d.HasGUID(g) {
			return true
		}
	}
	return false
}

// Set is the classification of candidate releases against a device's
// current version: upgrades, downgrades, and version-equivalent releases.
type Set struct {
	Upgrades    []*Release
	Downgrades  []*Release
	Equivalents []*Release
}

// Classify sorts candidates into upgrades/downgrades/equivalents relative
// to currentVersion, filtering by allowList (container SHA1s) when
// non-empty, and honoring only-explicit-updates.
func Classify(currentVersion string, format device.VersionFormat, candidates []*Release, allowList map[string]bool, containerSHA1 func(*Release) string, onlyExplicitUpdates bool) Set {
	var set Set
	for _, c := range candidates {
		if len(allowList) > 0 && containerSHA1 != nil {
			if !allowList[containerSHA1(c)] {
				continue
			}
		}
		cmp := CompareVersions(c.Version, currentVersion, format)
		switch {
		case cmp > 0:
			if !onlyExplicitUpdates {
				set.Upgrades = append(set.Upgrades, c)
			}
		case cmp < 0:
			set.Downgrades = append(set.Downgrades, c)
		default:
			set.Equivalents = append(set.Equivalents, c)
		}
	}
	sortDescending(set.Upgrades, format)
	sortDescending(set.Downgrades, format)
	return set
}

func sortDescending(releases []*Release, format device.VersionFormat) {
	sort.SliceStable(releases, func(i, j int) bool {
		return CompareVersions(releases[i].Version, releases[j].Version, format) > 0
	})
}
