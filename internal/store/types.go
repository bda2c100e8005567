// Package store provides the lexical and vector index layers plus the
// durable chunk store backing a knowledge base.
package store

import (
	"context"
	"fmt"
)

// BM25 scoring parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Vector index defaults.
const (
	DefaultHNSWM        = 16
	DefaultHNSWEfSearch = 20
)

// Chunk is the retrieval unit. A document is split into chunks at
// ingestion; both indexes and the chunk store are keyed by Chunk.ID.
type Chunk struct {
	// ID uniquely identifies the chunk within its knowledge base.
	ID string

	// DocID identifies the source document.
	DocID string

	// DocName is the human-readable source document name.
	DocName string

	// KBID is the owning knowledge base.
	KBID string

	// Position is the chunk's ordinal within its document.
	Position int

	// Content is the chunk text.
	Content string

	// Embedding is the chunk's vector, populated at ingestion.
	Embedding []float32
}

// LexicalHit is one BM25 search result.
type LexicalHit struct {
	ChunkID string
	Score   float64
}

// VectorHit is one nearest-neighbor search result.
type VectorHit struct {
	ChunkID string
	Score   float32
	// Distance is the raw metric distance before score conversion.
	Distance float32
}

// LexicalIndex is the keyword search side of a knowledge base.
type LexicalIndex interface {
	// Index adds or replaces chunks. Collection statistics are updated
	// in the same critical section as the postings, so concurrent
	// searches never observe a partially applied batch.
	Index(ctx context.Context, chunks []*Chunk) error

	// Delete removes chunks by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, chunkIDs []string) error

	// Search returns up to limit chunks scored by BM25, best first.
	Search(ctx context.Context, query string, limit int) ([]LexicalHit, error)

	// AllIDs returns every indexed chunk ID, for parity checks.
	AllIDs() ([]string, error)

	// Count returns the number of indexed chunks.
	Count() int

	Close() error
}

// VectorBackend is one vector index implementation. The manager wraps
// a backend with fallback and rebuild policy; callers outside the
// package use VectorIndexManager instead.
type VectorBackend interface {
	// Add inserts vectors under their chunk IDs, replacing existing ones.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Delete removes vectors by chunk ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error

	// Search returns up to k nearest chunks, most similar first.
	Search(ctx context.Context, query []float32, k int) ([]VectorHit, error)

	// AllIDs returns every stored chunk ID, for parity checks.
	AllIDs() []string

	// Contains reports whether the chunk ID is stored.
	Contains(id string) bool

	// Count returns the number of stored vectors.
	Count() int

	Close() error
}

// IndexKind names a vector backend implementation.
type IndexKind string

const (
	// IndexKindFlat is exact brute-force search.
	IndexKindFlat IndexKind = "flat"
	// IndexKindHNSW is approximate graph search.
	IndexKindHNSW IndexKind = "hnsw"
)

// VectorConfig configures vector backends.
type VectorConfig struct {
	// Dimensions is the required vector width.
	Dimensions int

	// M is the HNSW max connections per node.
	M int

	// EfSearch is the HNSW search expansion factor.
	EfSearch int
}

// VectorStats describes the state of a managed vector index.
type VectorStats struct {
	// Count is the number of live vectors.
	Count int

	// Kind is the backend currently serving searches.
	Kind IndexKind

	// Orphans is the number of lazily deleted graph nodes awaiting
	// compaction. Always zero for the flat backend.
	Orphans int
}

// LexicalStats describes the state of a lexical index.
type LexicalStats struct {
	ChunkCount   int
	TermCount    int
	AvgDocLength float64
}

// ErrClosed is returned by operations on a closed index or store.
var ErrClosed = fmt.Errorf("store is closed")
