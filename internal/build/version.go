package build

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions orders two version strings. It returns -1, 0 or +1.
//
// Parseable versions compare semantically, so "14" == "14.0.0" and
// "20240115" > "20231201". Unparseable versions sort below parseable ones and
// compare lexically among themselves.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(strings.TrimSpace(a))
	vb, errB := semver.NewVersion(strings.TrimSpace(b))
	switch {
	case errA == nil && errB == nil:
		return va.Compare(vb)
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// VersionsEqual reports whether a and b name the same version.
func VersionsEqual(a, b string) bool {
	return CompareVersions(a, b) == 0
}
