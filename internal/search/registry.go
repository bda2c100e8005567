package search

import (
	"log/slog"
	"sort"
	"sync"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// Registry owns one Engine per knowledge base. Engines are created
// lazily on first ingest; searching an unknown knowledge base is a
// not-found error rather than an implicit creation.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine

	// newEngine builds a fully wired engine for a knowledge base,
	// closing over the shared chunk store, cache, and providers.
	newEngine func(kbID string) (*Engine, error)
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(newEngine func(kbID string) (*Engine, error), logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		engines:   make(map[string]*Engine),
		newEngine: newEngine,
		logger:    logger,
	}
}

// Get returns the engine for a knowledge base, or a structured
// not-found error.
func (r *Registry) Get(kbID string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[kbID]
	if !ok {
		return nil, qerrors.KBNotFound(kbID)
	}
	return e, nil
}

// GetOrCreate returns the engine for a knowledge base, creating it on
// first use.
func (r *Registry) GetOrCreate(kbID string) (*Engine, error) {
	r.mu.RLock()
	e, ok := r.engines[kbID]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[kbID]; ok {
		return e, nil
	}

	e, err := r.newEngine(kbID)
	if err != nil {
		return nil, err
	}
	r.engines[kbID] = e
	r.logger.Info("knowledge base created", "kb_id", kbID)
	return e, nil
}

// List returns the known knowledge base IDs, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Remove closes and forgets one knowledge base's engine.
func (r *Registry) Remove(kbID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.engines[kbID]
	if !ok {
		return qerrors.KBNotFound(kbID)
	}
	delete(r.engines, kbID)
	return e.Close()
}

// Close closes every engine. The shared chunk store and providers are
// the caller's to close.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, e := range r.engines {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.engines, id)
	}
	return firstErr
}
