package release

import (
	"strconv"
	"strings"

	"github.com/fluxfirm/fluxfirm/internal/device"
)

// CompareVersions compares two version strings under format, returning
// <0, 0, >0 as a < b, a == b, a > b. No corpus dependency implements
// multi-format firmware version comparison (bcd/hex/quad/triplet/pair),
// so this is original to the module (DESIGN.md: justified stdlib-only).
func CompareVersions(a, b string, format device.VersionFormat) int {
	switch format {
	case device.VersionFormatPlain, "":
		return strings.Compare(a, b)
	case device.VersionFormatBCD:
		return compareUint(parseBCD(a), parseBCD(b))
	case device.VersionFormatHex:
		return compareUint(parseHex(a), parseHex(b))
	default:
		return compareNumericParts(a, b)
	}
}

// compareNumericParts handles number/pair/triplet/quad: dot-separated
// integer components compared left to right, shorter treated as
// zero-padded.
func compareNumericParts(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int64
		if i < len(as) {
			av, _ = strconv.ParseInt(as[i], 10, 64)
		}
		if i < len(bs) {
			bv, _ = strconv.ParseInt(bs[i], 10, 64)
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func parseBCD(v string) uint64 {
	n, err := strconv.ParseUint(strings.ReplaceAll(v, ".", ""), 16, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseHex(v string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return n
}
