// Package silo implements the Metadata Silo: an in-memory, queryable
// AppStream-like XML document assembled from every metainfo file ingested
// into a Cabinet (or loaded directly from a Remote's cached metadata.xml).
// Queries are served with beevik/etree, the same XPath-style element query
// library used for manifest indexing in the reference corpus.
package silo

import (
	"sort"
	"strconv"

	"github.com/beevik/etree"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
)

// Silo is the compiled union of every component ingested, indexed for
// descending-priority, id, and GUID lookup.
type Silo struct {
	doc       *etree.Document
	byID      map[string]*etree.Element
	byGUID    map[string][]*etree.Element // pre-sorted descending priority
	allSorted []*etree.Element
}

// New returns an empty Silo with the synthetic <components> root installed.
func New() *Silo {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.CreateElement("components")
	return &Silo{
		doc:    doc,
		byID:   make(map[string]*etree.Element),
		byGUID: make(map[string][]*etree.Element),
	}
}

// AddMetainfo parses one metainfo.xml document and merges its component(s)
// into the silo, tagging each with an <info><filename> naming sourceName.
// Call Reindex once all files have been added.
func (s *Silo) AddMetainfo(sourceName string, xmlBytes []byte) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlBytes); err != nil {
		return fwerr.New(fwerr.KindInvalidData, "%s: malformed XML: %v", sourceName, err)
	}

	root := s.doc.SelectElement("components")
	var comps []*etree.Element
	switch doc.Root().Tag {
	case "component":
		comps = []*etree.Element{doc.Root()}
	case "components":
		comps = doc.Root().SelectElements("component")
	default:
		return fwerr.New(fwerr.KindInvalidData, "%s: unexpected root element <%s>", sourceName, doc.Root().Tag)
	}
	if len(comps) == 0 {
		return fwerr.New(fwerr.KindInvalidData, "%s: no <component> elements", sourceName)
	}

	for _, c := range comps {
		detached := c.Copy()
		info := detached.SelectElement("info")
		if info == nil {
			info = detached.CreateElement("info")
		}
		info.CreateElement("filename").SetText(sourceName)
		root.AddChild(detached)

		id := componentID(detached)
		if id != "" {
			s.byID[id] = detached
		}
	}
	return nil
}

// Reindex rebuilds the priority-sorted and GUID indexes. Must be called
// after the last AddMetainfo and before any query.
func (s *Silo) Reindex() {
	root := s.doc.SelectElement("components")
	comps := root.SelectElements("component")

	sort.SliceStable(comps, func(i, j int) bool {
		return componentPriority(comps[i]) > componentPriority(comps[j])
	})
	// re-parent in sorted order so document order matches priority order
	for _, c := range comps {
		root.RemoveChild(c)
	}
	for _, c := range comps {
		root.AddChild(c)
	}
	s.allSorted = comps

	s.byGUID = make(map[string][]*etree.Element)
	for _, c := range comps {
		for _, guid := range componentGUIDs(c) {
			s.byGUID[guid] = append(s.byGUID[guid], c)
		}
	}
}

// GetComponents returns every component, descending by priority.
func (s *Silo) GetComponents() []*etree.Element {
	return s.allSorted
}

// GetComponent looks up a component by its reverse-DNS id.
func (s *Silo) GetComponent(id string) (*etree.Element, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, fwerr.New(fwerr.KindNotFound, "no component with id %q", id)
	}
	return c, nil
}

// GetComponentByGUIDs returns the highest-priority component whose
// provides/firmware[@type=flashed] set intersects guids.
func (s *Silo) GetComponentByGUIDs(guids map[string]struct{}) (*etree.Element, bool) {
	for _, c := range s.allSorted {
		for _, guid := range componentGUIDs(c) {
			if _, ok := guids[guid]; ok {
				return c, true
			}
		}
	}
	return nil, false
}

// Query runs an arbitrary etree path query rooted at <components>, used by
// the Release Resolver for ad-hoc lookups (requires/checksum/artifact nodes).
func (s *Silo) Query(path string) []*etree.Element {
	return s.doc.FindElements(path)
}

func componentID(c *etree.Element) string {
	if e := c.SelectElement("id"); e != nil {
		return e.Text()
	}
	return ""
}

func componentPriority(c *etree.Element) int {
	attr := c.SelectAttr("priority")
	if attr == nil {
		return 0
	}
	v, err := strconv.Atoi(attr.Value)
	if err != nil {
		return 0
	}
	return v
}

func componentGUIDs(c *etree.Element) []string {
	provides := c.SelectElement("provides")
	if provides == nil {
		return nil
	}
	var out []string
	for _, fw := range provides.SelectElements("firmware") {
		if t := fw.SelectAttrValue("type", ""); t != "flashed" {
			continue
		}
		out = append(out, fw.Text())
	}
	return out
}

// InjectContainerChecksum adds a synthetic <checksum target="container">
// node (with the given SHA1 and SHA256 hex digests) into every <release> of
// every component that does not already assert one.
func (s *Silo) InjectContainerChecksum(sha1Hex, sha256Hex string) {
	for _, c := range s.allSorted {
		releases := c.FindElements("releases/release")
		for _, rel := range releases {
			has := false
			for _, cs := range rel.SelectElements("checksum") {
				if cs.SelectAttrValue("target", "") == "container" {
					has = true
					break
				}
			}
			if has {
				continue
			}
			a := rel.CreateElement("checksum")
			a.CreateAttr("target", "container")
			a.CreateAttr("type", "sha1")
			a.SetText(sha1Hex)
			b := rel.CreateElement("checksum")
			b.CreateAttr("target", "container")
			b.CreateAttr("type", "sha256")
			b.SetText(sha256Hex)
		}
	}
}

// HasFlashedFirmwareGUID reports whether any component provides a
// <firmware type="flashed"> GUID.
func (s *Silo) HasFlashedFirmwareGUID() bool {
	for _, c := range s.allSorted {
		if len(componentGUIDs(c)) > 0 {
			return true
		}
	}
	return false
}
