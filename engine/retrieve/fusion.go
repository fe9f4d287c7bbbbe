package retrieve

import (
	"sort"

	"github.com/WessleyAI/wessley-kb/engine/semantic"
)

// FuseRRF combines ranked lists with reciprocal rank fusion. A unit scores
// 1/(rank+k) per list it appears in, with 1-indexed ranks, and 0 for lists it
// is absent from. Results are ordered by fused score, best first; ties keep
// the order of first appearance.
func FuseRRF(lists [][]semantic.Hit, k float64) []Result {
	index := make(map[string]int)
	var fused []Result
	for _, list := range lists {
		seen := make(map[string]bool, len(list))
		for i, h := range list {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			contrib := 1 / (float64(i+1) + k)
			if at, ok := index[h.ID]; ok {
				fused[at].Score += contrib
				continue
			}
			index[h.ID] = len(fused)
			fused = append(fused, Result{Unit: h.Unit, Score: contrib})
		}
	}
	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	return fused
}

// Threshold keeps the results scoring at least minScore.
func Threshold(results []Result, minScore float64) []Result {
	out := results[:0:0]
	for _, r := range results {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return out
}
