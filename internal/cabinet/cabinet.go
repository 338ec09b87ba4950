// Package cabinet parses signed CAB archives into a queryable, trust-
// annotated firmware release catalog.
package cabinet

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
	"github.com/fluxfirm/fluxfirm/internal/silo"
)

const (
	jcatEntryName      = "firmware.jcat"
	defaultPayloadName = "firmware.bin"
)

// Cabinet is an immutable, parsed CAB archive: basename-indexed payload
// bytes, an optional JCat signature bundle, and the compiled Metadata Silo.
type Cabinet struct {
	entries map[string][]byte
	jcat    *Bundle
	Silo    *silo.Silo

	containerSHA1   string
	containerSHA256 string

	trust *trustCache
}

// ParseOptions bounds and configures a Parse call.
type ParseOptions struct {
	MaxSize int64
	Cert    CertContext
}

// Parse validates and decodes raw into a Cabinet.
func Parse(raw []byte, opts ParseOptions) (*Cabinet, error) {
	entries, err := parseStructure(bytes.NewReader(raw), int64(len(raw)), opts.MaxSize)
	if err != nil {
		return nil, err
	}

	sha1Sum := sha1.Sum(raw)
	sha256Sum := sha256.Sum256(raw)

	c := &Cabinet{
		entries:         entries,
		containerSHA1:   hex.EncodeToString(sha1Sum[:]),
		containerSHA256: hex.EncodeToString(sha256Sum[:]),
	}

	if jcatRaw, ok := entries[jcatEntryName]; ok {
		bundle, err := ParseBundle(jcatRaw)
		if err != nil {
			return nil, err
		}
		c.jcat = bundle
	}

	s := silo.New()
	var metainfoNames []string
	for name := range entries {
		if strings.HasSuffix(name, ".metainfo.xml") {
			metainfoNames = append(metainfoNames, name)
		}
	}
	if len(metainfoNames) == 0 {
		return nil, fwerr.New(fwerr.KindInvalidFile, "no metainfo file present")
	}
	sort.Strings(metainfoNames) // deterministic ingestion order
	for _, name := range metainfoNames {
		if err := s.AddMetainfo(name, entries[name]); err != nil {
			return nil, err
		}
	}
	s.Reindex()
	s.InjectContainerChecksum(c.containerSHA1, c.containerSHA256)

	if !s.HasFlashedFirmwareGUID() {
		return nil, fwerr.New(fwerr.KindInvalidFile, "no <firmware type=\"flashed\"> GUID present")
	}

	if err := validateReleases(s, entries); err != nil {
		return nil, err
	}

	c.Silo = s
	c.trust = newTrustCache(opts.Cert, c.jcat, entries)
	return c, nil
}

// validateReleases enforces the two structural size/checksum checks across
// every release of every component.
func validateReleases(s *silo.Silo, entries map[string][]byte) error {
	for _, comp := range s.GetComponents() {
		for _, rel := range comp.FindElements("releases/release") {
			basename := releasePayloadBasename(rel)
			payload, ok := entries[basename]
			if !ok {
				continue // resolved lazily by the Release Resolver; absence alone isn't a Cabinet-level reject unless asserted below
			}
			if sizeEl := rel.FindElement("size[@type='installed']"); sizeEl != nil {
				declared, err := strconv.Atoi(sizeEl.Text())
				if err == nil && declared != len(payload) {
					return fwerr.New(fwerr.KindInvalidFile, "release %s: declared installed size %d disagrees with payload length %d",
						releaseVersion(rel), declared, len(payload))
				}
			}
			for _, cs := range rel.SelectElements("checksum") {
				if cs.SelectAttrValue("target", "") != "content" {
					continue
				}
				want := strings.ToLower(strings.TrimSpace(cs.Text()))
				if want == "" {
					continue
				}
				got := digestForLength(payload, len(want))
				if got != want {
					return fwerr.New(fwerr.KindInvalidFile, "release %s: content checksum mismatch for %s", releaseVersion(rel), basename)
				}
			}
		}
	}
	return nil
}

func digestForLength(payload []byte, hexLen int) string {
	switch hexLen {
	case 40:
		s := sha1.Sum(payload)
		return hex.EncodeToString(s[:])
	case 64:
		s := sha256.Sum256(payload)
		return hex.EncodeToString(s[:])
	default:
		return ""
	}
}

func releaseVersion(rel *etree.Element) string {
	return rel.SelectAttrValue("version", "?")
}

// releasePayloadBasename derives the payload name: first
// <checksum target=content filename=X>, else <artifact><filename>, else
// the conventional default.
func releasePayloadBasename(rel *etree.Element) string {
	for _, cs := range rel.SelectElements("checksum") {
		if cs.SelectAttrValue("target", "") == "content" {
			if fn := cs.SelectAttrValue("filename", ""); fn != "" {
				return fn
			}
		}
	}
	if art := rel.FindElement("artifacts/artifact/filename"); art != nil {
		return art.Text()
	}
	return defaultPayloadName
}

// Entry returns the raw bytes for basename, if present.
func (c *Cabinet) Entry(basename string) ([]byte, bool) {
	b, ok := c.entries[basename]
	return b, ok
}

// ContainerChecksums returns the SHA1 and SHA256 hex digests of the whole
// input archive.
func (c *Cabinet) ContainerChecksums() (sha1Hex, sha256Hex string) {
	return c.containerSHA1, c.containerSHA256
}

// TrustFlags computes the {trusted-metadata, trusted-payload} set for one
// metainfo entry and its resolved payload basename.
func (c *Cabinet) TrustFlags(metainfoName, payloadBasename string) map[TrustFlag]bool {
	flags := make(map[TrustFlag]bool)
	if c.trust.verified(metainfoName) {
		flags[TrustedMetadata] = true
	}
	if payloadBasename != "" && c.trust.verified(payloadBasename) {
		flags[TrustedPayload] = true
	}
	return flags
}

// Sign produces a new firmware.jcat entry covering every metainfo file and
// every referenced payload basename, with a SHA256 checksum blob and a
// PKCS7 signature blob carrying ADD_TIMESTAMP|ADD_CERT. It returns the new
// Bundle and leaves c itself unchanged.
func (c *Cabinet) Sign(signer *SignerIdentity) (*Bundle, error) {
	covered := make(map[string]struct{})
	for name := range c.entries {
		if strings.HasSuffix(name, ".metainfo.xml") {
			covered[name] = struct{}{}
		}
	}
	for _, comp := range c.Silo.GetComponents() {
		for _, rel := range comp.FindElements("releases/release") {
			covered[releasePayloadBasename(rel)] = struct{}{}
		}
	}

	bundle := &Bundle{Items: make(map[string]*Item)}
	for name := range covered {
		content, ok := c.entries[name]
		if !ok {
			continue
		}
		sig, err := SignPKCS7(content, signer.cert, signer.key, SignOptions{AddTimestamp: true, AddCert: true})
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", name, err)
		}
		bundle.Items[name] = &Item{
			ID: name,
			Checksums: []Checksum{
				{Kind: BlobSHA256, Value: sha256Hex(content)},
			},
			Signatures: []Signature{
				{Kind: BlobPKCS7, Value: base64.StdEncoding.EncodeToString(sig)},
			},
		}
	}
	return bundle, nil
}
