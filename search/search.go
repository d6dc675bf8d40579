// Package search ranks catalog entries and pending uploads against a free text query.
package search

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/hbollon/go-edlib"
	"github.com/thunderspear/thunderspear/catalog"
)

// MaxDistance is the exclusive upper bound of a match.
const MaxDistance = 0.5

type match struct {
	id       uint32
	distance float64
}

// Distance returns the Damerau-Levenshtein distance of a and b normalized to [0, 1]
// by the longer string. The comparison ignores case.
func Distance(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)

	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}

	return float64(edlib.DamerauLevenshteinDistance(a, b)) / float64(longest)
}

// Query returns the IDs matching query: catalog files by name first, then pending
// uploads by path, each group ordered by ascending distance.
func Query(query string, files []catalog.FileRecord, pending []catalog.QueuedUpload) []uint32 {
	var root []match
	for _, f := range files {
		if d := Distance(f.Name, query); d < MaxDistance {
			root = append(root, match{id: f.ID, distance: d})
		}
	}

	var queue []match
	for _, q := range pending {
		if d := Distance(q.Path, query); d < MaxDistance {
			queue = append(queue, match{id: q.ID, distance: d})
		}
	}

	ids := make([]uint32, 0, len(root)+len(queue))
	for _, group := range [][]match{root, queue} {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].distance < group[j].distance
		})
		for _, m := range group {
			ids = append(ids, m.id)
		}
	}
	return ids
}
