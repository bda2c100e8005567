package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder wraps an Embedder with an in-memory LRU cache keyed on
// the text and model name. Repeated embeddings of identical texts skip
// the provider entirely, which matters during reindexing where many
// chunks survive unchanged.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps the embedder with an LRU cache of the given size.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// cacheKey derives a stable key from the model and text.
func (e *CachedEmbedder) cacheKey(text string) string {
	h := sha256.New()
	h.Write([]byte(e.inner.ModelName()))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Embed returns a cached embedding or delegates to the inner embedder.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.cacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		return vec, nil
	}
	e.misses.Add(1)

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch resolves cached texts locally and forwards only the misses
// to the inner embedder in a single call, preserving input order.
func (e *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	var missTexts []string
	var missIdx []int
	for i, t := range texts {
		keys[i] = e.cacheKey(t)
		if vec, ok := e.cache.Get(keys[i]); ok {
			e.hits.Add(1)
			vectors[i] = vec
			continue
		}
		e.misses.Add(1)
		missTexts = append(missTexts, t)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return vectors, nil
	}

	fetched, err := e.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, vec := range fetched {
		i := missIdx[j]
		vectors[i] = vec
		e.cache.Add(keys[i], vec)
	}
	return vectors, nil
}

// HitRate returns the cache hit ratio since creation.
func (e *CachedEmbedder) HitRate() float64 {
	hits := e.hits.Load()
	total := hits + e.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Dimensions returns the inner embedder's dimension.
func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

// ModelName returns the inner embedder's model identifier.
func (e *CachedEmbedder) ModelName() string { return e.inner.ModelName() }

// Available delegates to the inner embedder.
func (e *CachedEmbedder) Available(ctx context.Context) bool { return e.inner.Available(ctx) }

// Close purges the cache and closes the inner embedder.
func (e *CachedEmbedder) Close() error {
	e.cache.Purge()
	return e.inner.Close()
}
