package search

import (
	"cmp"
	"slices"

	"github.com/perculacms/pagecontext/internal/model"
)

// StrategyResult is one strategy's ranked hits, in the order the strategy
// returned them.
type StrategyResult struct {
	Strategy model.Strategy
	Hits     []model.RetrievalHit
}

type fuseKey struct {
	sourceType string
	sourceID   string
}

type fused struct {
	hit       model.RetrievalHit
	bestScore float64 // highest normalized individual score seen
	combined  float64
	firstSeen int // index of the first strategy that returned the key
}

// Fuse merges ranked result lists into one deterministic ranking.
//
// Each strategy's scores are min-max normalized to [0,1]; a strategy with one
// hit, or whose hits all score the same, normalizes to 1.0. A document's
// combined score is the weighted sum of its normalized scores (0 where a
// strategy did not return it). Strategies absent from weights, or a nil
// weights map, get an equal 1/n share. Metadata comes from the occurrence with
// the highest normalized score, the earliest occurrence winning ties. Output
// is sorted by combined score descending, then first-seen strategy position,
// then source_id and source_type ascending. Each hit's Score is replaced by its
// combined score. A key repeated within one strategy counts once, at its
// first position.
func Fuse(results []StrategyResult, weights map[model.Strategy]float64) []model.RetrievalHit {
	if len(results) == 0 {
		return []model.RetrievalHit{}
	}
	equal := 1.0 / float64(len(results))

	byKey := make(map[fuseKey]*fused)
	var order []fuseKey
	for si, sr := range results {
		w, ok := weights[sr.Strategy]
		if !ok {
			w = equal
		}
		norm := normalize(sr.Hits)
		counted := make(map[fuseKey]bool, len(sr.Hits))
		for hi, h := range sr.Hits {
			k := fuseKey{h.SourceType, h.SourceID}
			if counted[k] {
				continue
			}
			counted[k] = true
			f, seen := byKey[k]
			if !seen {
				f = &fused{hit: h, bestScore: norm[hi], firstSeen: si}
				byKey[k] = f
				order = append(order, k)
			} else if norm[hi] > f.bestScore {
				f.hit = h
				f.bestScore = norm[hi]
			}
			f.combined += w * norm[hi]
		}
	}

	all := make([]*fused, 0, len(order))
	for _, k := range order {
		all = append(all, byKey[k])
	}
	slices.SortStableFunc(all, func(a, b *fused) int {
		if c := cmp.Compare(b.combined, a.combined); c != 0 {
			return c
		}
		if c := cmp.Compare(a.firstSeen, b.firstSeen); c != 0 {
			return c
		}
		if c := cmp.Compare(a.hit.SourceID, b.hit.SourceID); c != 0 {
			return c
		}
		return cmp.Compare(a.hit.SourceType, b.hit.SourceType)
	})

	out := make([]model.RetrievalHit, len(all))
	for i, f := range all {
		out[i] = f.hit
		out[i].Score = f.combined
	}
	return out
}

// normalize min-max scales scores within one strategy's result set.
func normalize(hits []model.RetrievalHit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		lo = min(lo, h.Score)
		hi = max(hi, h.Score)
	}
	span := hi - lo
	for i, h := range hits {
		if span == 0 {
			out[i] = 1
			continue
		}
		out[i] = (h.Score - lo) / span
	}
	return out
}
