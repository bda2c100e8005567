package store

import (
	"context"
	"sync"

	"github.com/coder/hnsw"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// HNSWIndex is an approximate vector index built on coder/hnsw.
// String chunk IDs map to internal uint64 keys. Deletion is lazy:
// removing a chunk drops its mappings but leaves the node in the
// graph, because deleting nodes from the graph can break it. Orphaned
// nodes are filtered out of search results and reclaimed when the
// manager rebuilds the index.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	closed bool
}

var _ VectorBackend = (*HNSWIndex)(nil)

// NewHNSWIndex creates an empty approximate index with cosine distance.
func NewHNSWIndex(cfg VectorConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "vector dimensions must be positive", nil)
	}
	if cfg.M == 0 {
		cfg.M = DefaultHNSWM
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = DefaultHNSWEfSearch
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
	}, nil
}

// Add inserts vectors under their chunk IDs. Existing IDs are replaced
// by orphaning the old graph node and inserting a fresh one.
func (h *HNSWIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(vectors) {
		return qerrors.New(qerrors.ErrCodeInvalidInput, "ids and vectors length mismatch", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	for _, v := range vectors {
		if len(v) != h.config.Dimensions {
			return qerrors.DimensionMismatch(h.config.Dimensions, len(v))
		}
	}

	for i, id := range ids {
		if oldKey, exists := h.idMap[id]; exists {
			delete(h.keyMap, oldKey)
			delete(h.idMap, id)
		}

		key := h.nextKey
		h.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		h.graph.Add(hnsw.MakeNode(key, vec))
		h.idMap[id] = key
		h.keyMap[key] = id
	}
	return nil
}

// Delete removes chunk IDs by dropping their key mappings. Graph nodes
// remain until the next rebuild.
func (h *HNSWIndex) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	for _, id := range ids {
		if key, exists := h.idMap[id]; exists {
			delete(h.keyMap, key)
			delete(h.idMap, id)
		}
	}
	return nil
}

// Search returns up to k nearest chunks. Orphaned graph nodes are
// skipped, so the search over-fetches to compensate.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil, ErrClosed
	}
	if len(query) != h.config.Dimensions {
		return nil, qerrors.DimensionMismatch(h.config.Dimensions, len(query))
	}
	if h.graph.Len() == 0 || k <= 0 {
		return []VectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	// Over-fetch proportionally to the orphan count so lazy-deleted
	// nodes do not starve live results.
	fetch := k
	if orphans := h.graph.Len() - len(h.idMap); orphans > 0 {
		fetch += orphans
	}

	nodes := h.graph.Search(q, fetch)

	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		id, live := h.keyMap[node.Key]
		if !live {
			continue
		}
		distance := h.graph.Distance(q, node.Value)
		hits = append(hits, VectorHit{
			ChunkID:  id,
			Score:    1 - distance,
			Distance: distance,
		})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

// AllIDs returns every live chunk ID.
func (h *HNSWIndex) AllIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.idMap))
	for id := range h.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether the chunk ID is live.
func (h *HNSWIndex) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.idMap[id]
	return ok
}

// Count returns the number of live vectors.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idMap)
}

// Orphans returns the number of lazily deleted graph nodes.
func (h *HNSWIndex) Orphans() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph.Len() - len(h.idMap)
}

// Close releases the index.
func (h *HNSWIndex) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.graph = nil
	h.idMap = nil
	h.keyMap = nil
	return nil
}
