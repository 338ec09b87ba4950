package device

import (
	"strings"

	"github.com/fluxfirm/fluxfirm/internal/fwerr"
)

const minPrefixLen = 4

// GetDevice resolves idPrefix against every device id and equivalent_id: a
// unique prefix match (or equivalent_id match) succeeds; multiple matches
// yield not-supported; zero matches yield not-found.
func (r *Registry) GetDevice(idPrefix string) (*Device, error) {
	if len(idPrefix) < minPrefixLen {
		return nil, fwerr.New(fwerr.KindNotFound, "device id prefix %q shorter than %d chars", idPrefix, minPrefixLen)
	}
	lower := strings.ToLower(idPrefix)

	var matches []*Device
	for _, d := range r.byID {
		if d.EquivalentID != "" && strings.EqualFold(d.EquivalentID, idPrefix) {
			return d, nil
		}
		if strings.HasPrefix(strings.ToLower(d.ID), lower) {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fwerr.New(fwerr.KindNotFound, "no device matches id prefix %q", idPrefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fwerr.New(fwerr.KindNotSupported, "id prefix %q matches %d devices", idPrefix, len(matches))
	}
}
