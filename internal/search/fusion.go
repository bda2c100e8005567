package search

import (
	"sort"
)

// DefaultRRFConstant is the standard RRF smoothing parameter. k=60 is
// empirically validated across domains.
const DefaultRRFConstant = 60

// Fuser combines ranked lists from multiple signals using Reciprocal
// Rank Fusion.
//
// Algorithm: RRF_score(d) = Σ 1 / (k + rank_i)
//
// summed over every list the chunk appears in, with 1-indexed ranks.
// Chunks absent from a list simply receive no contribution from it.
type Fuser struct {
	// K is the smoothing constant.
	K int
}

// NewFuser creates a fuser. k <= 0 uses the default of 60.
func NewFuser(k int) *Fuser {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &Fuser{K: k}
}

// Fuse merges the ranked lists into a single ordering.
//
// Ties on RRF score break deterministically:
//  1. Chunks present in both signals rank above single-signal chunks.
//  2. Better (lower) best rank across all lists ranks first.
//  3. The chunk first seen earlier in list order ranks first.
func (f *Fuser) Fuse(lists []RankedList) []*FusedResult {
	merged := make(map[string]*FusedResult)
	firstSeen := make(map[string]int)
	seq := 0

	for _, list := range lists {
		for i, cand := range list.Hits {
			rank := i + 1

			r, ok := merged[cand.ChunkID]
			if !ok {
				r = &FusedResult{ChunkID: cand.ChunkID}
				merged[cand.ChunkID] = r
				firstSeen[cand.ChunkID] = seq
				seq++
			}

			r.RRFScore += 1.0 / float64(f.K+rank)

			switch list.Signal {
			case SignalLexical:
				if r.LexicalRank == 0 || rank < r.LexicalRank {
					r.LexicalRank = rank
					r.LexicalScore = cand.Score
				}
			case SignalVector:
				if r.VectorRank == 0 || rank < r.VectorRank {
					r.VectorRank = rank
					r.VectorScore = cand.Score
				}
			}
		}
	}

	results := make([]*FusedResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.RRFScore != b.RRFScore {
			return a.RRFScore > b.RRFScore
		}
		if a.InBoth() != b.InBoth() {
			return a.InBoth()
		}
		if a.bestRank() != b.bestRank() {
			return a.bestRank() < b.bestRank()
		}
		return firstSeen[a.ChunkID] < firstSeen[b.ChunkID]
	})

	normalize(results)
	return results
}

// normalize scales RRF scores so the top result is 1.0.
func normalize(results []*FusedResult) {
	if len(results) == 0 {
		return
	}
	max := results[0].RRFScore
	if max == 0 {
		return
	}
	for _, r := range results {
		r.RRFScore /= max
	}
}
