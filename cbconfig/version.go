package cbconfig

import (
	"strconv"
	"strings"
)

// compareVersions orders ns_server version strings such as
// "7.2.0-5325-enterprise" by their numeric dotted prefix.
func compareVersions(a, b string) int {
	aParts := splitVersion(a)
	bParts := splitVersion(b)

	for i := 0; i < len(aParts) || i < len(bParts); i++ {
		var av, bv int
		if i < len(aParts) {
			av = aParts[i]
		}
		if i < len(bParts) {
			bv = bParts[i]
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

func splitVersion(v string) []int {
	if idx := strings.IndexAny(v, "-_"); idx >= 0 {
		v = v[:idx]
	}

	fields := strings.Split(v, ".")
	parts := make([]int, 0, len(fields))
	for _, field := range fields {
		n, err := strconv.Atoi(field)
		if err != nil {
			break
		}
		parts = append(parts, n)
	}

	return parts
}
