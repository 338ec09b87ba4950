// Package device implements the Device Registry: discovered-hardware
// bookkeeping, id/GUID derivation, equivalent-id dedup, and parent/child
// adoption.
package device

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VersionFormat is the scheme a device's version string is encoded in.
type VersionFormat string

const (
	VersionFormatPlain   VersionFormat = "plain"
	VersionFormatNumber  VersionFormat = "number"
	VersionFormatPair    VersionFormat = "pair"
	VersionFormatTriplet VersionFormat = "triplet"
	VersionFormatQuad    VersionFormat = "quad"
	VersionFormatBCD     VersionFormat = "bcd"
	VersionFormatHex     VersionFormat = "hex"
)

// Flag is one bit of a Device's state flag set.
type Flag string

const (
	FlagUpdatable       Flag = "updatable"
	FlagLocked          Flag = "locked"
	FlagNeedsReboot     Flag = "needs-reboot"
	FlagNeedsShutdown   Flag = "needs-shutdown"
	FlagNeedsActivation Flag = "needs-activation"
	FlagWaitForReplug   Flag = "wait-for-replug"
	FlagDualImage       Flag = "dual-image"
	FlagSignedPayload   Flag = "signed-payload"
	FlagUnsignedPayload Flag = "unsigned-payload"
	FlagInternal        Flag = "internal"
	FlagSupported       Flag = "supported"
	FlagHistorical      Flag = "historical"
	FlagWildcardInstall Flag = "wildcard-install"
	FlagWildcardTargets Flag = "wildcard-targets"
	FlagRequireAC           Flag = "require-ac"
	FlagRegistered          Flag = "registered"
	FlagOnlyExplicitUpdates Flag = "only-explicit-updates"
)

// Problem is a diagnostic attached to a device (not fatal, informational).
type Problem string

const ProblemLowerPriority Problem = "lower-priority"

// PrivateFlag is an implementation-internal toggle, never reported to a
// client over the wire protocol.
type PrivateFlag string

const (
	PrivateAutoParentChildren   PrivateFlag = "auto-parent-children"
	PrivateMDSetVersion         PrivateFlag = "md-set-version"
	PrivateMDSetVerFmt          PrivateFlag = "md-set-verfmt"
	PrivateMDSetIcon            PrivateFlag = "md-set-icon"
	PrivateMDSetVendor          PrivateFlag = "md-set-vendor"
	PrivateMDSetNameCategory    PrivateFlag = "md-set-name-category"
	PrivateMDSetSigned          PrivateFlag = "md-set-signed"
	PrivateMDSetFlags           PrivateFlag = "md-set-flags"
	PrivateMDSetRequiredFree    PrivateFlag = "md-set-required-free"
	PrivateMDOnlyChecksum       PrivateFlag = "md-only-checksum"
	PrivateInheritActivation    PrivateFlag = "inherit-activation"
	PrivateHostCPU              PrivateFlag = "host-cpu"
	PrivateSaveIntoBackupRemote PrivateFlag = "save-into-backup-remote"
	PrivateInstallAllReleases   PrivateFlag = "install-all-releases"
)

// Priority is the device's own priority type for best-device selection and
// install ordering, kept distinct from remote.Priority (DESIGN.md open
// question #3).
type Priority int

// Device is one piece of updatable (or potentially updatable) hardware.
type Device struct {
	// Identity
	ID           string
	PhysicalID   string
	BackendID    string
	LogicalID    string
	EquivalentID string
	PluginName   string

	// Descriptive
	Name              string
	Vendor            string
	Version           string
	VersionFormat     VersionFormat
	VersionLowest     string
	VersionBootloader string
	Serial            string
	Icons             []string
	Category          string
	RequiredFree      int64 // bytes of free storage the update needs, from md-set-required-free

	// Matching
	InstanceIDs map[string]struct{}
	GUIDs       map[string]struct{}
	VendorIDs   map[string]struct{} // "BUS:NNNN"
	Protocols   map[string]struct{}

	// Relationships
	Parent            string
	Children          []string
	ParentGUIDs       []string
	ParentPhysicalIDs []string
	ParentBackendIDs  []string

	// State
	flags           map[Flag]bool
	problems        map[Problem]bool
	Created         time.Time
	Modified        time.Time
	InstallDuration time.Duration
	RemoveDelay     time.Duration
	AcquiesceDelay  time.Duration
	Priority        Priority
	Order           int

	// Private flags
	privateFlags map[PrivateFlag]bool
}

// New returns a Device with every set-valued field initialized empty.
func New() *Device {
	return &Device{
		InstanceIDs:  make(map[string]struct{}),
		GUIDs:        make(map[string]struct{}),
		VendorIDs:    make(map[string]struct{}),
		Protocols:    make(map[string]struct{}),
		flags:        make(map[Flag]bool),
		problems:     make(map[Problem]bool),
		privateFlags: make(map[PrivateFlag]bool),
		Created:      time.Now(),
	}
}

func (d *Device) HasFlag(f Flag) bool { return d.flags[f] }
func (d *Device) SetFlag(f Flag, v bool) {
	if v {
		d.flags[f] = true
	} else {
		delete(d.flags, f)
	}
}
func (d *Device) HasProblem(p Problem) bool         { return d.problems[p] }
func (d *Device) AddProblem(p Problem)              { d.problems[p] = true }
func (d *Device) RemoveProblem(p Problem)           { delete(d.problems, p) }
func (d *Device) HasPrivateFlag(p PrivateFlag) bool { return d.privateFlags[p] }
func (d *Device) SetPrivateFlag(p PrivateFlag, v bool) {
	if v {
		d.privateFlags[p] = true
	} else {
		delete(d.privateFlags, p)
	}
}

// AddInstanceID registers a free-form instance-id string and derives its
// v5-UUID GUID under the standard DNS namespace.
func (d *Device) AddInstanceID(instanceID string) {
	d.InstanceIDs[instanceID] = struct{}{}
	d.GUIDs[GUIDFromInstanceID(instanceID)] = struct{}{}
}

// GUIDFromInstanceID computes the UUIDv5 GUID for a raw instance-id string.
func GUIDFromInstanceID(instanceID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(instanceID)).String()
}

// HasGUID reports whether g is in the device's derived GUID set.
func (d *Device) HasGUID(g string) bool {
	_, ok := d.GUIDs[g]
	return ok
}

// DeriveID computes the SHA1-based id from
// plugin|physical_id|logical_id|instance_ids... and assigns it if ID is
// unset.
func (d *Device) DeriveID() string {
	if d.ID != "" {
		return d.ID
	}
	ids := make([]string, 0, len(d.InstanceIDs))
	for id := range d.InstanceIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := []string{d.PluginName, d.PhysicalID, d.LogicalID}
	parts = append(parts, ids...)
	h := sha1.Sum([]byte(strings.Join(parts, "|")))
	d.ID = hex.EncodeToString(h[:])
	return d.ID
}
