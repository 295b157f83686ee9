// Package version defines a total order over package version strings.
//
// Formula versions are not reliably semantic versions: the catalog carries
// values like "1.2.3", "1.2_1" (package revision 1 of upstream 1.2), "8.2p1"
// or "2024a". Comparison is therefore layered:
//
//  1. The "_N" suffix, if present, is split off as the package revision and
//     compared last.
//  2. If both base versions parse as semantic versions they are compared
//     with github.com/Masterminds/semver.
//  3. Otherwise the bases are split into dot-separated segments; numeric
//     segments compare numerically, mixed segments compare by their numeric
//     prefix first and remainder bytewise, and missing segments compare as
//     zero.
//
// The resulting order is total and deterministic for any pair of strings.
package version

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is a parsed package version. The zero value compares equal to "0".
type Version struct {
	raw      string
	base     string
	sv       *semver.Version // nil when base is not a semantic version
	revision int             // the "_N" package revision suffix
}

// Parse converts a raw version string into a Version. Parse never fails:
// strings that are not semantic versions fall back to segment comparison.
func Parse(raw string) Version {
	v := Version{raw: raw, base: raw}

	if i := strings.LastIndex(raw, "_"); i > 0 {
		if rev, err := strconv.Atoi(raw[i+1:]); err == nil {
			v.base = raw[:i]
			v.revision = rev
		}
	}

	if sv, err := semver.NewVersion(v.base); err == nil {
		v.sv = sv
	}
	return v
}

// String returns the original raw version string.
func (v Version) String() string { return v.raw }

// Revision returns the package revision encoded in a "_N" suffix, or 0.
func (v Version) Revision() int { return v.revision }

// Compare returns -1, 0 or 1 as v is less than, equal to or greater than o.
func (v Version) Compare(o Version) int {
	if c := compareBase(v, o); c != 0 {
		return c
	}
	switch {
	case v.revision < o.revision:
		return -1
	case v.revision > o.revision:
		return 1
	}
	return 0
}

// NewerThan reports whether v orders strictly after o.
func (v Version) NewerThan(o Version) bool { return v.Compare(o) > 0 }

func compareBase(a, b Version) int {
	if a.sv != nil && b.sv != nil {
		return a.sv.Compare(b.sv)
	}
	return compareSegments(a.base, b.base)
}

// compareSegments implements the non-semver fallback order.
func compareSegments(a, b string) int {
	as := splitSegments(a)
	bs := splitSegments(b)

	n := max(len(as), len(bs))
	for i := range n {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		if c := compareSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '-' || r == '+'
	})
}

// compareSegment compares one dotted segment. The numeric prefixes are
// compared numerically; ties fall back to a bytewise comparison of the
// remainders so that "2p1" > "2" and "rc1" < "rc2". A missing segment is
// treated as "0".
func compareSegment(a, b string) int {
	if a == "" {
		a = "0"
	}
	if b == "" {
		b = "0"
	}

	na, ra := numericPrefix(a)
	nb, rb := numericPrefix(b)

	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	}
	return strings.Compare(ra, rb)
}

func numericPrefix(s string) (uint64, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, s
	}
	n, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		// Longer than uint64; saturate so absurdly long numbers still order high.
		return ^uint64(0), s[i:]
	}
	return n, s[i:]
}

// Max returns the greater of a and b under Compare (a on ties).
func Max(a, b Version) Version {
	if b.Compare(a) > 0 {
		return b
	}
	return a
}
