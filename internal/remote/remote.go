// Package remote models one metadata source: identity, transport kind,
// credentials, priority, and the derived cache filenames a Remote List
// loads and depsolves.
package remote

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
)

// Kind is the transport a Remote uses to reach its metadata.
type Kind string

const (
	KindDownload  Kind = "download"
	KindLocal     Kind = "local"
	KindDirectory Kind = "directory"
)

// Priority is the Remote's own priority type, kept deliberately distinct
// from device.Priority (DESIGN.md open-question #3: never unified).
type Priority int

const defaultRefreshInterval = 86400 // seconds (fwupd's default RefreshInterval)

// Flag is one bit of a Remote's boolean flag set.
type Flag string

const (
	FlagEnabled                  Flag = "enabled"
	FlagApprovalRequired         Flag = "approval-required"
	FlagAutomaticReports         Flag = "automatic-reports"
	FlagAutomaticSecurityReports Flag = "automatic-security-reports"
)

// Remote is one named metadata source, populated by Load. Save rewrites the
// backing file; picking up the change is left to a reload by the caller,
// typically remotelist.List.
type Remote struct {
	ID   string
	Kind Kind

	MetadataURI     string
	FirmwareBaseURI string
	ReportURI       string
	Title           string
	PrivacyURI      string

	Username string
	Password string

	Priority        Priority
	RefreshInterval uint64
	OrderBefore     []string
	OrderAfter      []string

	flags map[Flag]bool

	// filenameCache/filenameCacheSig are derived, not loaded directly.
	filenameCache    string
	filenameCacheSig string

	sourcePath string // the .conf file this Remote was loaded from
}

// Load parses a key-value config file with the "fwupd Remote" group,
// deriving Kind, credentials, and flags from its keys. cacheDir and
// preferredExt feed filename_cache derivation for download remotes whose
// MetadataURI is itself a bare http(s)/ipfs URL.
func Load(path, cacheDir, preferredExt string) (*Remote, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fwerr.New(fwerr.KindInvalidFile, "remote %s: %v", path, err)
	}
	sec := cfg.Section("fwupd Remote")

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	r := &Remote{
		ID:              id,
		flags:           make(map[Flag]bool),
		RefreshInterval: defaultRefreshInterval,
		sourcePath:      path,
	}

	metadataURI := sec.Key("MetadataURI").String()
	if err := r.applyMetadataURI(metadataURI, cacheDir, preferredExt); err != nil {
		return nil, err
	}

	if sec.HasKey("Enabled") {
		r.setFlag(FlagEnabled, sec.Key("Enabled").MustBool(true))
	} else {
		r.setFlag(FlagEnabled, true)
	}
	if sec.HasKey("ApprovalRequired") {
		r.setFlag(FlagApprovalRequired, sec.Key("ApprovalRequired").MustBool(false))
	}
	if sec.HasKey("AutomaticReports") {
		r.setFlag(FlagAutomaticReports, sec.Key("AutomaticReports").MustBool(false))
	}
	if sec.HasKey("AutomaticSecurityReports") {
		r.setFlag(FlagAutomaticSecurityReports, sec.Key("AutomaticSecurityReports").MustBool(false))
	}

	r.Title = sec.Key("Title").String()
	r.PrivacyURI = sec.Key("PrivacyURI").String()
	r.ReportURI = sec.Key("ReportURI").String()
	r.FirmwareBaseURI = sec.Key("FirmwareBaseURI").String()

	if sec.HasKey("RefreshInterval") {
		v, err := sec.Key("RefreshInterval").Uint64()
		if err != nil {
			return nil, fwerr.New(fwerr.KindInvalidData, "remote %s: bad RefreshInterval: %v", id, err)
		}
		r.RefreshInterval = v
	}

	if u := strings.TrimSpace(sec.Key("Username").String()); u != "" {
		r.Username = u
	}
	if p := strings.TrimSpace(sec.Key("Password").String()); p != "" {
		r.Password = p
	}

	if ob := sec.Key("OrderBefore").String(); ob != "" {
		r.OrderBefore = splitIDs(ob)
	}
	if oa := sec.Key("OrderAfter").String(); oa != "" {
		r.OrderAfter = splitIDs(oa)
	}

	if r.Kind == KindLocal {
		if _, err := os.Stat(r.filenameCache); err != nil {
			return nil, fwerr.New(fwerr.KindInvalidFile, "local remote %s: filename_cache %s does not exist", id, r.filenameCache)
		}
	}
	if r.Kind == KindDownload && metadataURI == "" {
		return nil, fwerr.New(fwerr.KindInvalidFile, "download remote %s requires MetadataURI", id)
	}

	return r, nil
}

func (r *Remote) applyMetadataURI(raw, cacheDir, preferredExt string) error {
	r.MetadataURI = raw
	if raw == "" {
		return nil
	}
	switch {
	case strings.HasPrefix(raw, "file://"):
		p := strings.TrimPrefix(raw, "file://")
		if strings.HasSuffix(p, "/") {
			r.Kind = KindDirectory
		} else {
			r.Kind = KindLocal
			r.filenameCache = p
		}
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"),
		strings.HasPrefix(raw, "ipfs://"), strings.HasPrefix(raw, "ipns://"):
		r.Kind = KindDownload
		if r.RefreshInterval == 0 {
			r.RefreshInterval = defaultRefreshInterval
		}
		ext := preferredExt
		if ext == "" {
			ext = extensionOf(raw)
		}
		r.filenameCache = filepath.Join(cacheDir, r.ID+"."+ext)
	default:
		return fwerr.New(fwerr.KindInvalidData, "unrecognized MetadataURI scheme: %s", raw)
	}
	r.filenameCacheSig = r.filenameCache + ".jcat"
	return nil
}

// FilenameCache returns the expected on-disk path of the metadata XML.
func (r *Remote) FilenameCache() string { return r.filenameCache }

// FilenameCacheSig returns FilenameCache() + ".jcat".
func (r *Remote) FilenameCacheSig() string { return r.filenameCacheSig }

// SetFilenameCache overrides the derived cache path; used by autofix when
// the preferred extension changes in memory.
func (r *Remote) SetFilenameCache(path string) {
	r.filenameCache = path
	r.filenameCacheSig = path + ".jcat"
}

func (r *Remote) HasFlag(f Flag) bool { return r.flags[f] }

func (r *Remote) setFlag(f Flag, v bool) {
	if v {
		r.flags[f] = true
	} else {
		delete(r.flags, f)
	}
}

// SourcePath is the .conf file this Remote was loaded from.
func (r *Remote) SourcePath() string { return r.sourcePath }

// Save rewrites the backing .conf file. If the source path is not
// writable, it falls back to writing into fallbackDir/<id>.conf; any other
// error propagates.
func (r *Remote) Save(fallbackDir string) error {
	cfg := ini.Empty()
	sec, _ := cfg.NewSection("fwupd Remote")
	if r.MetadataURI != "" {
		sec.Key("MetadataURI").SetValue(r.MetadataURI)
	}
	sec.Key("Enabled").SetValue(strconv.FormatBool(r.HasFlag(FlagEnabled)))
	sec.Key("ApprovalRequired").SetValue(strconv.FormatBool(r.HasFlag(FlagApprovalRequired)))
	sec.Key("AutomaticReports").SetValue(strconv.FormatBool(r.HasFlag(FlagAutomaticReports)))
	sec.Key("AutomaticSecurityReports").SetValue(strconv.FormatBool(r.HasFlag(FlagAutomaticSecurityReports)))
	if r.Title != "" {
		sec.Key("Title").SetValue(r.Title)
	}
	if r.PrivacyURI != "" {
		sec.Key("PrivacyURI").SetValue(r.PrivacyURI)
	}
	if r.ReportURI != "" {
		sec.Key("ReportURI").SetValue(r.ReportURI)
	}
	if r.FirmwareBaseURI != "" {
		sec.Key("FirmwareBaseURI").SetValue(r.FirmwareBaseURI)
	}
	sec.Key("RefreshInterval").SetValue(strconv.FormatUint(r.RefreshInterval, 10))
	if r.Username != "" {
		sec.Key("Username").SetValue(r.Username)
	}
	if r.Password != "" {
		sec.Key("Password").SetValue(r.Password)
	}
	if len(r.OrderBefore) > 0 {
		sec.Key("OrderBefore").SetValue(strings.Join(r.OrderBefore, ";"))
	}
	if len(r.OrderAfter) > 0 {
		sec.Key("OrderAfter").SetValue(strings.Join(r.OrderAfter, ";"))
	}

	path := r.sourcePath
	if err := cfg.SaveTo(path); err != nil {
		if !os.IsPermission(err) {
			return fmt.Errorf("save remote %s: %w", r.ID, err)
		}
		fallback := filepath.Join(fallbackDir, r.ID+".conf")
		if err := os.MkdirAll(fallbackDir, 0o755); err != nil {
			return fwerr.Wrap(fwerr.KindInternal, err)
		}
		if err := cfg.SaveTo(fallback); err != nil {
			return fwerr.Wrap(fwerr.KindInternal, err)
		}
		r.sourcePath = fallback
	}
	return nil
}

// BuildFirmwareURI rewrites scheme+host+directory of firmwareURL with
// FirmwareBaseURI, keeping the basename, or returns it unchanged if unset.
func (r *Remote) BuildFirmwareURI(firmwareURL string) (string, error) {
	if r.FirmwareBaseURI == "" {
		return firmwareURL, nil
	}
	u, err := url.Parse(firmwareURL)
	if err != nil {
		return "", fwerr.New(fwerr.KindInvalidData, "malformed firmware URL %q: %v", firmwareURL, err)
	}
	base, err := url.Parse(r.FirmwareBaseURI)
	if err != nil {
		return "", fwerr.New(fwerr.KindInvalidData, "malformed firmware_base_uri %q: %v", r.FirmwareBaseURI, err)
	}
	basename := filepath.Base(u.Path)
	rewritten := *base
	rewritten.Path = strings.TrimSuffix(base.Path, "/") + "/" + basename
	return rewritten.String(), nil
}

func splitIDs(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "xml"
	}
	ext := strings.TrimPrefix(filepath.Ext(u.Path), ".")
	if ext == "" {
		return "xml"
	}
	return ext
}
