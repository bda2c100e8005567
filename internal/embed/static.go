package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// StaticEmbedder generates deterministic embeddings from token hashes.
// It needs no external provider, which makes it suitable for offline
// operation and tests. Texts sharing tokens produce nearby vectors, so
// relative similarity is crude but stable.
type StaticEmbedder struct {
	dims  int
	model string
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a deterministic hash-based embedder.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &StaticEmbedder{dims: dims, model: "static-hash"}
}

// Embed generates a deterministic embedding for the text.
func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return e.hashEmbed(text), nil
}

// EmbedBatch generates embeddings for multiple texts, preserving order.
func (e *StaticEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		vectors[i] = e.hashEmbed(t)
	}
	return vectors, nil
}

// hashEmbed folds per-token hashes into a fixed-width vector.
// Each token contributes to a handful of dimensions selected by its
// hash, then the vector is L2-normalized.
func (e *StaticEmbedder) hashEmbed(text string) []float32 {
	vec := make([]float32, e.dims)

	tokens := tokenize(text)
	if len(tokens) == 0 {
		vec[0] = 1.0
		return vec
	}

	for _, tok := range tokens {
		h := sha256.Sum256([]byte(tok))
		for k := 0; k < 4; k++ {
			idx := binary.LittleEndian.Uint32(h[k*8:]) % uint32(e.dims)
			sign := float32(1.0)
			if h[k*8+4]&1 == 1 {
				sign = -1.0
			}
			vec[idx] += sign
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1.0 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	} else {
		vec[0] = 1.0
	}
	return vec
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= '0' && r <= '9' {
			return false
		}
		return true
	})
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int { return e.dims }

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string { return e.model }

// Available always returns true; static embedding has no dependencies.
func (e *StaticEmbedder) Available(_ context.Context) bool { return true }

// Close is a no-op.
func (e *StaticEmbedder) Close() error { return nil }
