package store

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryLexicalIndex is an in-memory inverted index scored with BM25.
// Postings and collection statistics (document frequencies, average
// document length) live behind one mutex, so every search sees a
// consistent snapshot even while batches are being applied.
//
// Ties are broken by insertion order: when two chunks score equally,
// the one indexed earlier ranks first. Re-indexing a chunk refreshes
// its insertion position.
type MemoryLexicalIndex struct {
	mu sync.RWMutex

	k1 float64
	b  float64

	// postings maps term -> chunk ID -> term frequency.
	postings map[string]map[string]int

	// docs holds per-chunk length and insertion sequence.
	docs map[string]docEntry

	totalLength int64
	nextSeq     uint64
	closed      bool
}

type docEntry struct {
	length int
	seq    uint64
}

var _ LexicalIndex = (*MemoryLexicalIndex)(nil)

// NewMemoryLexicalIndex creates an empty BM25 index with default
// parameters (k1=1.2, b=0.75).
func NewMemoryLexicalIndex() *MemoryLexicalIndex {
	return &MemoryLexicalIndex{
		k1:       DefaultK1,
		b:        DefaultB,
		postings: make(map[string]map[string]int),
		docs:     make(map[string]docEntry),
	}
}

// Index adds or replaces chunks. The whole batch is applied under the
// write lock: postings, document frequencies, and average length move
// together.
func (idx *MemoryLexicalIndex) Index(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}

	for _, chunk := range chunks {
		if _, exists := idx.docs[chunk.ID]; exists {
			idx.removeLocked(chunk.ID)
		}

		tokens := Tokenize(chunk.Content)
		for _, tok := range tokens {
			pl, ok := idx.postings[tok]
			if !ok {
				pl = make(map[string]int)
				idx.postings[tok] = pl
			}
			pl[chunk.ID]++
		}

		idx.docs[chunk.ID] = docEntry{length: len(tokens), seq: idx.nextSeq}
		idx.nextSeq++
		idx.totalLength += int64(len(tokens))
	}

	return nil
}

// Delete removes chunks by ID, decrementing document frequencies and
// the length total in the same critical section.
func (idx *MemoryLexicalIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}

	for _, id := range chunkIDs {
		idx.removeLocked(id)
	}
	return nil
}

// removeLocked drops one chunk's postings. Caller holds the write lock.
func (idx *MemoryLexicalIndex) removeLocked(id string) {
	entry, exists := idx.docs[id]
	if !exists {
		return
	}

	for term, pl := range idx.postings {
		if _, ok := pl[id]; ok {
			delete(pl, id)
			if len(pl) == 0 {
				delete(idx.postings, term)
			}
		}
	}

	idx.totalLength -= int64(entry.length)
	delete(idx.docs, id)
}

// Search scores chunks containing at least one query term with BM25
// and returns the top limit, best first.
func (idx *MemoryLexicalIndex) Search(ctx context.Context, query string, limit int) ([]LexicalHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, ErrClosed
	}

	terms := Tokenize(query)
	if len(terms) == 0 || len(idx.docs) == 0 || limit <= 0 {
		return []LexicalHit{}, nil
	}

	n := float64(len(idx.docs))
	avgLen := float64(idx.totalLength) / n

	scores := make(map[string]float64)
	for _, term := range terms {
		pl, ok := idx.postings[term]
		if !ok {
			continue
		}

		df := float64(len(pl))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		for id, tf := range pl {
			dl := float64(idx.docs[id].length)
			tfF := float64(tf)
			denom := tfF + idx.k1*(1-idx.b+idx.b*dl/avgLen)
			scores[id] += idf * tfF * (idx.k1 + 1) / denom
		}
	}

	hits := make([]LexicalHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, LexicalHit{ChunkID: id, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return idx.docs[hits[i].ChunkID].seq < idx.docs[hits[j].ChunkID].seq
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// AllIDs returns every indexed chunk ID.
func (idx *MemoryLexicalIndex) AllIDs() ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(idx.docs))
	for id := range idx.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

// Count returns the number of indexed chunks.
func (idx *MemoryLexicalIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// Stats returns collection statistics.
func (idx *MemoryLexicalIndex) Stats() LexicalStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stats := LexicalStats{
		ChunkCount: len(idx.docs),
		TermCount:  len(idx.postings),
	}
	if stats.ChunkCount > 0 {
		stats.AvgDocLength = float64(idx.totalLength) / float64(stats.ChunkCount)
	}
	return stats
}

// Close releases the index. Further operations fail with ErrClosed.
func (idx *MemoryLexicalIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.closed = true
	idx.postings = nil
	idx.docs = nil
	return nil
}
