package store

import (
	"context"
	"math"
	"sort"
	"sync"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// FlatIndex is an exact brute-force vector index using cosine
// similarity. It is the correctness baseline: search compares the
// query against every stored vector, so results are exact and
// deterministic. Vectors are unit-normalized at insert time.
type FlatIndex struct {
	mu      sync.RWMutex
	dims    int
	vectors map[string][]float32
	order   map[string]uint64
	nextSeq uint64
	closed  bool
}

var _ VectorBackend = (*FlatIndex)(nil)

// NewFlatIndex creates an empty exact index.
func NewFlatIndex(cfg VectorConfig) *FlatIndex {
	return &FlatIndex{
		dims:    cfg.Dimensions,
		vectors: make(map[string][]float32),
		order:   make(map[string]uint64),
	}
}

// Add inserts vectors under their chunk IDs, replacing existing ones.
func (f *FlatIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return qerrors.New(qerrors.ErrCodeInvalidInput, "ids and vectors length mismatch", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	for _, v := range vectors {
		if len(v) != f.dims {
			return qerrors.DimensionMismatch(f.dims, len(v))
		}
	}

	for i, id := range ids {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)
		f.vectors[id] = vec
		if _, exists := f.order[id]; !exists {
			f.order[id] = f.nextSeq
			f.nextSeq++
		}
	}
	return nil
}

// Delete removes vectors by chunk ID.
func (f *FlatIndex) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}

	for _, id := range ids {
		delete(f.vectors, id)
		delete(f.order, id)
	}
	return nil
}

// Search returns the k most similar chunks by exact cosine similarity.
// Equal scores are broken by insertion order for determinism.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrClosed
	}
	if len(query) != f.dims {
		return nil, qerrors.DimensionMismatch(f.dims, len(query))
	}
	if len(f.vectors) == 0 || k <= 0 {
		return []VectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	hits := make([]VectorHit, 0, len(f.vectors))
	for id, vec := range f.vectors {
		var dot float32
		for i := range q {
			dot += q[i] * vec[i]
		}
		hits = append(hits, VectorHit{ChunkID: id, Score: dot, Distance: 1 - dot})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return f.order[hits[i].ChunkID] < f.order[hits[j].ChunkID]
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// AllIDs returns every stored chunk ID.
func (f *FlatIndex) AllIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]string, 0, len(f.vectors))
	for id := range f.vectors {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the chunk ID is stored.
func (f *FlatIndex) Contains(id string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.vectors[id]
	return ok
}

// Count returns the number of stored vectors.
func (f *FlatIndex) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Vector returns a copy of one stored vector, for rebuilds.
func (f *FlatIndex) Vector(id string) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	vec, ok := f.vectors[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, true
}

// Close releases the index.
func (f *FlatIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.vectors = nil
	f.order = nil
	return nil
}

// normalizeInPlace scales a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
