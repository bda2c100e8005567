// Package embed provides embedding providers and the Embedding Gateway,
// which batches provider calls and enforces the knowledge base's
// configured dimensionality.
package embed

import (
	"context"
	"math"
)

// Common embedding constants.
const (
	// DefaultBatchSize is the default number of texts per provider call.
	DefaultBatchSize = 32

	// MaxBatchSize caps the per-call batch size (prevents memory exhaustion).
	MaxBatchSize = 256

	// DefaultCacheSize is the default query-embedding LRU cache capacity.
	DefaultCacheSize = 1000
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts,
	// preserving input order and length.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
// A zero vector is returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
	return v
}
