package manifest

import (
	"strconv"
	"strings"
)

// CompareVersions orders dotted application versions such as "128.0",
// "128.0.1" and "129.0a1". Missing components count as zero, and a
// pre-release suffix sorts before the plain release with the same number.
func CompareVersions(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	n := max(len(pa), len(pb))

	for i := 0; i < n; i++ {
		var ca, cb string
		if i < len(pa) {
			ca = pa[i]
		}
		if i < len(pb) {
			cb = pb[i]
		}
		if c := comparePart(ca, cb); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(a, b string) int {
	na, sa := splitNumeric(a)
	nb, sb := splitNumeric(b)
	if na != nb {
		if na < nb {
			return -1
		}
		return 1
	}
	switch {
	case sa == sb:
		return 0
	case sa == "":
		return 1
	case sb == "":
		return -1
	case sa < sb:
		return -1
	default:
		return 1
	}
}

func splitNumeric(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(s[:i])
	return n, s[i:]
}
