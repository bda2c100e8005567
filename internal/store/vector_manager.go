package store

import (
	"context"
	"log/slog"
	"sync"
)

// Manager rebuild and activation defaults.
const (
	DefaultAcceleratedMinVectors = 1000
	DefaultRebuildStaleness      = 0.25
)

// ManagerConfig configures a VectorIndexManager.
type ManagerConfig struct {
	// Vector carries dimensions and HNSW parameters.
	Vector VectorConfig

	// Accelerated enables the approximate backend.
	Accelerated bool

	// AcceleratedMinVectors is the live-vector count below which the
	// exact backend serves searches directly. Graph search on tiny
	// collections costs more than brute force buys.
	AcceleratedMinVectors int

	// RebuildStaleness is the orphan ratio (orphans / graph nodes)
	// above which the approximate index is rebuilt.
	RebuildStaleness float64
}

// VectorIndexManager owns the vector side of one knowledge base. An
// exact flat index is always maintained as the source of truth; an
// approximate HNSW index is layered on top once the collection is
// large enough to benefit. If the approximate index cannot be built,
// the manager degrades to exact search and keeps serving.
type VectorIndexManager struct {
	mu     sync.Mutex
	config ManagerConfig
	logger *slog.Logger

	flat  *FlatIndex
	accel *HNSWIndex

	// degraded is set when an approximate build failed; the manager
	// stops attempting rebuilds until the next process start.
	degraded bool
}

// NewVectorIndexManager creates a manager with an empty exact index.
func NewVectorIndexManager(cfg ManagerConfig, logger *slog.Logger) *VectorIndexManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcceleratedMinVectors <= 0 {
		cfg.AcceleratedMinVectors = DefaultAcceleratedMinVectors
	}
	if cfg.RebuildStaleness <= 0 {
		cfg.RebuildStaleness = DefaultRebuildStaleness
	}
	return &VectorIndexManager{
		config: cfg,
		logger: logger,
		flat:   NewFlatIndex(cfg.Vector),
	}
}

// Add inserts vectors into the exact index and, when active, the
// approximate index. Crossing the activation threshold triggers a
// build of the approximate index from the exact one.
func (m *VectorIndexManager) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if err := m.flat.Add(ctx, ids, vectors); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accel != nil {
		if err := m.accel.Add(ctx, ids, vectors); err != nil {
			m.degrade("approximate add failed", err)
			return nil
		}
		return nil
	}

	m.maybeActivateLocked(ctx)
	return nil
}

// Delete removes vectors from both indexes, then rebuilds the
// approximate index if lazy deletions have accumulated past the
// staleness threshold.
func (m *VectorIndexManager) Delete(ctx context.Context, ids []string) error {
	if err := m.flat.Delete(ctx, ids); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accel == nil {
		return nil
	}
	if err := m.accel.Delete(ctx, ids); err != nil {
		m.degrade("approximate delete failed", err)
		return nil
	}

	live := m.accel.Count()
	orphans := m.accel.Orphans()
	total := live + orphans
	if total > 0 && float64(orphans)/float64(total) > m.config.RebuildStaleness {
		m.rebuildLocked(ctx)
	}
	if live < m.config.AcceleratedMinVectors {
		// Shrunk below the activation threshold; exact search wins again.
		_ = m.accel.Close()
		m.accel = nil
	}
	return nil
}

// Search serves from the approximate index when active, otherwise from
// the exact index. An approximate search failure falls back to exact
// for that query and degrades the manager.
func (m *VectorIndexManager) Search(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	m.mu.Lock()
	accel := m.accel
	m.mu.Unlock()

	if accel != nil {
		hits, err := accel.Search(ctx, query, k)
		if err == nil {
			return hits, nil
		}
		m.mu.Lock()
		m.degrade("approximate search failed", err)
		m.mu.Unlock()
	}
	return m.flat.Search(ctx, query, k)
}

// AllIDs returns every live chunk ID from the exact index.
func (m *VectorIndexManager) AllIDs() []string {
	return m.flat.AllIDs()
}

// Contains reports whether the chunk ID is stored.
func (m *VectorIndexManager) Contains(id string) bool {
	return m.flat.Contains(id)
}

// Count returns the number of live vectors.
func (m *VectorIndexManager) Count() int {
	return m.flat.Count()
}

// Stats reports the live count and which backend serves searches.
func (m *VectorIndexManager) Stats() VectorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := VectorStats{Count: m.flat.Count(), Kind: IndexKindFlat}
	if m.accel != nil {
		stats.Kind = IndexKindHNSW
		stats.Orphans = m.accel.Orphans()
	}
	return stats
}

// Close releases both indexes.
func (m *VectorIndexManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accel != nil {
		_ = m.accel.Close()
		m.accel = nil
	}
	return m.flat.Close()
}

// maybeActivateLocked builds the approximate index once the collection
// is large enough. Caller holds m.mu.
func (m *VectorIndexManager) maybeActivateLocked(ctx context.Context) {
	if !m.config.Accelerated || m.degraded {
		return
	}
	if m.flat.Count() < m.config.AcceleratedMinVectors {
		return
	}
	m.rebuildLocked(ctx)
}

// rebuildLocked constructs a fresh approximate index from the exact
// index's vectors. Caller holds m.mu.
func (m *VectorIndexManager) rebuildLocked(ctx context.Context) {
	accel, err := NewHNSWIndex(m.config.Vector)
	if err != nil {
		m.degrade("approximate index init failed", err)
		return
	}

	ids := m.flat.AllIDs()
	vectors := make([][]float32, 0, len(ids))
	kept := ids[:0]
	for _, id := range ids {
		vec, ok := m.flat.Vector(id)
		if !ok {
			continue
		}
		kept = append(kept, id)
		vectors = append(vectors, vec)
	}

	if err := accel.Add(ctx, kept, vectors); err != nil {
		m.degrade("approximate index build failed", err)
		return
	}

	if m.accel != nil {
		_ = m.accel.Close()
	}
	m.accel = accel
	m.logger.Info("accelerated vector index built",
		"vectors", len(kept),
		"m", m.config.Vector.M,
		"ef_search", m.config.Vector.EfSearch)
}

// degrade drops the approximate index and pins the manager to exact
// search. Caller holds m.mu.
func (m *VectorIndexManager) degrade(reason string, err error) {
	m.logger.Warn("vector index degraded to exact search",
		"reason", reason,
		"error", err)
	if m.accel != nil {
		_ = m.accel.Close()
		m.accel = nil
	}
	m.degraded = true
}
