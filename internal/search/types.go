// Package search provides hybrid retrieval combining BM25 and vector
// search, fused with Reciprocal Rank Fusion and optionally refined by
// a cross-encoder reranker.
package search

import (
	"time"
)

// Defaults for the retrieval pipeline.
const (
	DefaultTopK                = 10
	DefaultMaxTopK             = 100
	DefaultCandidateMultiplier = 3
	DefaultRerankWindow        = 20
)

// Signal identifies which index produced a ranked list.
type Signal string

const (
	SignalLexical Signal = "lexical"
	SignalVector  Signal = "vector"
)

// Candidate is one entry of a ranked list entering fusion.
type Candidate struct {
	ChunkID string
	Score   float64
}

// RankedList is one index's ordered output for one query variant.
type RankedList struct {
	Signal Signal
	Hits   []Candidate
}

// FusedResult is one chunk after RRF fusion.
type FusedResult struct {
	ChunkID string

	// RRFScore is the summed reciprocal-rank contribution across all
	// lists the chunk appeared in.
	RRFScore float64

	// LexicalScore and LexicalRank come from the chunk's best lexical
	// list appearance. Rank is 1-indexed, 0 when absent.
	LexicalScore float64
	LexicalRank  int

	// VectorScore and VectorRank come from the chunk's best vector
	// list appearance.
	VectorScore float64
	VectorRank  int
}

// InBoth reports whether the chunk carried both signals.
func (r *FusedResult) InBoth() bool {
	return r.LexicalRank > 0 && r.VectorRank > 0
}

// bestRank is the chunk's best position across all lists.
func (r *FusedResult) bestRank() int {
	switch {
	case r.LexicalRank == 0:
		return r.VectorRank
	case r.VectorRank == 0:
		return r.LexicalRank
	case r.LexicalRank < r.VectorRank:
		return r.LexicalRank
	default:
		return r.VectorRank
	}
}

// SearchOptions controls one query.
type SearchOptions struct {
	// TopK is the number of results to return. Zero uses the engine
	// default; values above the configured maximum are clamped.
	TopK int

	// SkipCache bypasses the result cache for this query.
	SkipCache bool

	// SkipRewrite disables query rewriting for this query even when
	// the engine has it enabled.
	SkipRewrite bool
}

// Degradation records which pipeline stages were skipped. The query
// still succeeds; callers can surface reduced quality to users.
type Degradation struct {
	// LexicalOnly is set when embedding or vector search failed and
	// results come from BM25 alone.
	LexicalOnly bool `json:"lexical_only,omitempty"`

	// Unrewritten is set when query rewriting was requested but the
	// generation provider failed.
	Unrewritten bool `json:"unrewritten,omitempty"`

	// Unreranked is set when reranking was requested but the reranker
	// failed, leaving fusion order in place.
	Unreranked bool `json:"unreranked,omitempty"`
}

// Any reports whether any stage degraded.
func (d Degradation) Any() bool {
	return d.LexicalOnly || d.Unrewritten || d.Unreranked
}

// SearchResult is one enriched, ranked chunk returned to the caller.
type SearchResult struct {
	ChunkID  string `json:"chunk_id"`
	DocID    string `json:"doc_id"`
	DocName  string `json:"doc_name"`
	Position int    `json:"position"`
	Content  string `json:"content"`

	// Score is the final ranking score: the reranker's relevance when
	// reranked, otherwise the normalized RRF score.
	Score float64 `json:"score"`

	LexicalScore float64 `json:"lexical_score,omitempty"`
	VectorScore  float64 `json:"vector_score,omitempty"`
	LexicalRank  int     `json:"lexical_rank,omitempty"`
	VectorRank   int     `json:"vector_rank,omitempty"`
}

// Response is a complete query answer.
type Response struct {
	Results     []*SearchResult `json:"results"`
	Degradation Degradation     `json:"degradation"`

	// RewrittenQueries are the extra query variants retrieval used
	// when rewriting ran; empty when rewriting was off or failed.
	RewrittenQueries []string `json:"rewritten_queries,omitempty"`

	// Hypothetical is the generated hypothetical answer passage, when
	// hypothetical-answer expansion produced one.
	Hypothetical string `json:"hypothetical,omitempty"`

	// CacheHit is set when the response was served from the result
	// cache without running the pipeline.
	CacheHit bool `json:"cache_hit"`

	// Duration is the pipeline wall time. Zero on cache hits.
	Duration time.Duration `json:"duration"`
}

// ChunkOutcome reports the fate of one chunk during ingestion.
type ChunkOutcome struct {
	ChunkID string
	Err     error
}

// IngestResult summarizes one document ingestion.
type IngestResult struct {
	DocID    string
	Indexed  int
	Failed   int
	Outcomes []ChunkOutcome
}

// IngestChunk is one chunk of a document being ingested.
type IngestChunk struct {
	Content string
}

// Document is the ingestion input.
type Document struct {
	ID     string
	Name   string
	Chunks []IngestChunk
}
