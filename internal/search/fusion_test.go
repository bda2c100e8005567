package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexList(ids ...string) RankedList {
	hits := make([]Candidate, len(ids))
	for i, id := range ids {
		hits[i] = Candidate{ChunkID: id, Score: float64(len(ids) - i)}
	}
	return RankedList{Signal: SignalLexical, Hits: hits}
}

func vecList(ids ...string) RankedList {
	hits := make([]Candidate, len(ids))
	for i, id := range ids {
		hits[i] = Candidate{ChunkID: id, Score: 1.0 - float64(i)*0.1}
	}
	return RankedList{Signal: SignalVector, Hits: hits}
}

func lexFiller(i int) string { return "lf" + string(rune('A'+i/26)) + string(rune('a'+i%26)) }
func vecFiller(i int) string { return "vf" + string(rune('A'+i/26)) + string(rune('a'+i%26)) }

func fusedIDs(results []*FusedResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

func TestFuse_BothSignalsWin(t *testing.T) {
	f := NewFuser(60)

	// "b" appears in both lists; "a" and "c" top one list each.
	results := f.Fuse([]RankedList{
		lexList("a", "b"),
		vecList("c", "b"),
	})

	require.Len(t, results, 3)
	// b: 1/62 + 1/62 > a: 1/61, c: 1/61.
	assert.Equal(t, "b", results[0].ChunkID)
	assert.True(t, results[0].InBoth())
	assert.Equal(t, 2, results[0].LexicalRank)
	assert.Equal(t, 2, results[0].VectorRank)
}

func TestFuse_ScoresNormalized(t *testing.T) {
	f := NewFuser(60)

	results := f.Fuse([]RankedList{lexList("a", "b", "c")})
	require.Len(t, results, 3)
	assert.Equal(t, 1.0, results[0].RRFScore)
	for _, r := range results[1:] {
		assert.Less(t, r.RRFScore, 1.0)
	}
}

func TestFuse_TieBothSignalsBeatsSingle(t *testing.T) {
	f := NewFuser(60)

	// "solo" at lexical rank 1 scores 1/61. "dual" at rank 62 in both
	// a lexical and a vector list scores 2/122 = 1/61, an exact tie.
	// The both-signals chunk wins the tie despite its worse ranks.
	lexHits := make([]Candidate, 62)
	vecHits := make([]Candidate, 62)
	for i := 0; i < 61; i++ {
		lexHits[i] = Candidate{ChunkID: lexFiller(i), Score: float64(100 - i)}
		vecHits[i] = Candidate{ChunkID: vecFiller(i), Score: 1.0 - float64(i)*0.01}
	}
	lexHits[61] = Candidate{ChunkID: "dual", Score: 0.5}
	vecHits[61] = Candidate{ChunkID: "dual", Score: 0.1}

	results := f.Fuse([]RankedList{
		{Signal: SignalLexical, Hits: []Candidate{{ChunkID: "solo", Score: 9.0}}},
		{Signal: SignalLexical, Hits: lexHits},
		{Signal: SignalVector, Hits: vecHits},
	})

	var soloPos, dualPos int
	for i, r := range results {
		switch r.ChunkID {
		case "solo":
			soloPos = i
		case "dual":
			dualPos = i
		}
	}
	assert.Less(t, dualPos, soloPos)
}

func TestFuse_TieFirstSeenWins(t *testing.T) {
	f := NewFuser(60)

	// Two single-signal chunks, each rank 1 of its own list: identical
	// score, identical best rank, so first-seen order decides.
	results := f.Fuse([]RankedList{
		{Signal: SignalLexical, Hits: []Candidate{{ChunkID: "first", Score: 1.0}}},
		{Signal: SignalLexical, Hits: []Candidate{{ChunkID: "second", Score: 1.0}}},
	})

	require.Len(t, results, 2)
	assert.Equal(t, []string{"first", "second"}, fusedIDs(results))
}

func TestFuse_MultipleVectorListsAccumulate(t *testing.T) {
	f := NewFuser(60)

	// A chunk surfacing in several query variants accumulates RRF
	// contributions and outranks single-variant chunks.
	results := f.Fuse([]RankedList{
		vecList("consensus", "a"),
		vecList("consensus", "b"),
		vecList("c", "consensus"),
	})

	require.NotEmpty(t, results)
	assert.Equal(t, "consensus", results[0].ChunkID)
	// Best vector rank across lists is kept.
	assert.Equal(t, 1, results[0].VectorRank)
}

func TestFuse_EmptyInputs(t *testing.T) {
	f := NewFuser(60)

	assert.Empty(t, f.Fuse(nil))
	assert.Empty(t, f.Fuse([]RankedList{
		{Signal: SignalLexical},
		{Signal: SignalVector},
	}))
}

func TestFuse_SingleListPreservesOrder(t *testing.T) {
	f := NewFuser(60)

	results := f.Fuse([]RankedList{lexList("x", "y", "z")})
	assert.Equal(t, []string{"x", "y", "z"}, fusedIDs(results))
}

func TestNewFuserDefaultK(t *testing.T) {
	assert.Equal(t, DefaultRRFConstant, NewFuser(0).K)
	assert.Equal(t, DefaultRRFConstant, NewFuser(-5).K)
	assert.Equal(t, 10, NewFuser(10).K)
}
