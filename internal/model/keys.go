package model

import (
	"slices"
	"strings"
)

// CanonicalKeys lower-cases, trims, drops empties, dedups and sorts keys.
// Every key set is stored and hashed in this form.
func CanonicalKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// UnionKeys returns the canonical union of two key sets.
func UnionKeys(a, b []string) []string {
	all := make([]string, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return CanonicalKeys(all)
}

// Overlap is |A∩B| / max(|A|,|B|) over two canonical key sets.
// Two empty sets overlap fully; one empty set overlaps nothing.
func Overlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// Both inputs are sorted: merge walk.
	i, j, common := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch strings.Compare(a[i], b[j]) {
		case 0:
			common++
			i++
			j++
		case -1:
			i++
		default:
			j++
		}
	}
	return float64(common) / float64(max(len(a), len(b)))
}

// OverlapThreshold is the minimum overlap for scene matching and grouping.
const OverlapThreshold = 0.5

// NormalizeTitle lower-cases, trims and collapses internal whitespace.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
