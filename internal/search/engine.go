package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/internal/cache"
	"github.com/quarrylabs/quarry/internal/embed"
	qerrors "github.com/quarrylabs/quarry/internal/errors"
	"github.com/quarrylabs/quarry/internal/store"
)

// EngineConfig tunes one knowledge base's retrieval pipeline.
type EngineConfig struct {
	// KBID names the knowledge base this engine serves.
	KBID string

	// TopK is the default result count; MaxTopK the clamp ceiling.
	TopK    int
	MaxTopK int

	// CandidateMultiplier sizes index fetches: each index returns
	// TopK * CandidateMultiplier candidates into fusion.
	CandidateMultiplier int

	// RRFConstant is the fusion smoothing parameter.
	RRFConstant int

	// RerankWindow is how many fused candidates the reranker sees.
	RerankWindow int

	// RewriteEnabled turns on query rewriting when a rewriter is set.
	RewriteEnabled bool

	// QueryTimeout bounds one Search call end to end.
	QueryTimeout time.Duration
}

// cachedResponse is what the result cache stores per query.
type cachedResponse struct {
	Results          []*SearchResult
	Degradation      Degradation
	RewrittenQueries []string
	Hypothetical     string
}

// ResultCache is the shared query result cache type.
type ResultCache = cache.Cache[cachedResponse]

// NewResultCache creates a result cache for use across engines.
func NewResultCache(capacity int, ttl time.Duration) (*ResultCache, error) {
	return cache.New[cachedResponse](capacity, ttl)
}

// Engine runs the retrieval pipeline for one knowledge base: rewrite,
// parallel lexical and vector search, RRF fusion, reranking, and
// enrichment from the chunk store. Writes are serialized per engine so
// the lexical and vector indexes always hold the same chunk ID set.
type Engine struct {
	config EngineConfig

	lexical store.LexicalIndex
	vectors *store.VectorIndexManager
	chunks  *store.ChunkStore
	gateway *embed.Gateway

	rewriter    *Rewriter
	reranker    Reranker
	resultCache *ResultCache

	fuser  *Fuser
	logger *slog.Logger

	// writeMu serializes Ingest, deletes, and Load. Searches stay
	// concurrent; the indexes handle their own read locking.
	writeMu sync.Mutex
}

// EngineOption configures optional pipeline stages.
type EngineOption func(*Engine)

// WithRewriter attaches a query rewriter.
func WithRewriter(r *Rewriter) EngineOption {
	return func(e *Engine) { e.rewriter = r }
}

// WithReranker attaches a cross-encoder reranker.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

// WithResultCache attaches a shared result cache.
func WithResultCache(c *ResultCache) EngineOption {
	return func(e *Engine) { e.resultCache = c }
}

// NewEngine creates an engine over the given indexes and stores.
func NewEngine(
	config EngineConfig,
	lexical store.LexicalIndex,
	vectors *store.VectorIndexManager,
	chunks *store.ChunkStore,
	gateway *embed.Gateway,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TopK <= 0 {
		config.TopK = DefaultTopK
	}
	if config.MaxTopK <= 0 {
		config.MaxTopK = DefaultMaxTopK
	}
	if config.CandidateMultiplier <= 0 {
		config.CandidateMultiplier = DefaultCandidateMultiplier
	}
	if config.RerankWindow <= 0 {
		config.RerankWindow = DefaultRerankWindow
	}

	e := &Engine{
		config:  config,
		lexical: lexical,
		vectors: vectors,
		chunks:  chunks,
		gateway: gateway,
		fuser:   NewFuser(config.RRFConstant),
		logger:  logger.With("kb_id", config.KBID),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search answers one query. Provider failures degrade rather than
// fail: the response's Degradation records what was skipped. Only an
// empty query or a lexical index failure returns an error.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidQuery, "query must not be empty", nil)
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = e.config.TopK
	}
	if topK > e.config.MaxTopK {
		topK = e.config.MaxTopK
	}

	if e.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.QueryTimeout)
		defer cancel()
	}

	rewriteActive := e.rewriter != nil && e.config.RewriteEnabled && !opts.SkipRewrite

	key := cache.Key{
		KBID:      e.config.KBID,
		Query:     store.NormalizeQuery(query),
		TopK:      topK,
		Rewritten: rewriteActive,
	}
	if e.resultCache != nil && !opts.SkipCache {
		if hit, ok := e.resultCache.Get(key); ok {
			return &Response{
				Results:          hit.Results,
				Degradation:      hit.Degradation,
				RewrittenQueries: hit.RewrittenQueries,
				Hypothetical:     hit.Hypothetical,
				CacheHit:         true,
			}, nil
		}
	}

	start := time.Now()
	var deg Degradation

	rw := Rewrite{Queries: []string{query}}
	var rewritten []string
	if rewriteActive {
		rw = e.rewriter.Rewrite(ctx, query)
		deg.Unrewritten = rw.Degraded
		if len(rw.Queries) > 1 {
			rewritten = rw.Queries[1:]
		}
	}

	candidateK := topK * e.config.CandidateMultiplier

	lists, err := e.gather(ctx, rw, candidateK, &deg)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeSearchFailed, err)
	}

	fused := e.fuser.Fuse(lists)
	if len(fused) > candidateK {
		fused = fused[:candidateK]
	}

	ids := make([]string, len(fused))
	for i, r := range fused {
		ids[i] = r.ChunkID
	}
	chunkMap, err := e.chunks.GetMany(ctx, ids)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeSearchFailed, err)
	}

	results := e.rank(ctx, query, fused, chunkMap, topK, &deg)

	resp := &Response{
		Results:          results,
		Degradation:      deg,
		RewrittenQueries: rewritten,
		Hypothetical:     rw.Hypothetical,
		Duration:         time.Since(start),
	}
	if e.resultCache != nil && !opts.SkipCache {
		e.resultCache.Put(key, cachedResponse{
			Results:          results,
			Degradation:      deg,
			RewrittenQueries: rewritten,
			Hypothetical:     rw.Hypothetical,
		})
	}

	if deg.Any() {
		e.logger.Warn("search degraded",
			"query", query,
			"lexical_only", deg.LexicalOnly,
			"unrewritten", deg.Unrewritten,
			"unreranked", deg.Unreranked)
	}
	return resp, nil
}

// gather runs lexical search for every query variant and vector search
// for every variant plus the hypothetical passage, in parallel. List
// positions are fixed up front so fusion input order is deterministic.
func (e *Engine) gather(ctx context.Context, rw Rewrite, k int, deg *Degradation) ([]RankedList, error) {
	embedTexts := make([]string, 0, len(rw.Queries)+1)
	embedTexts = append(embedTexts, rw.Queries...)
	if rw.Hypothetical != "" {
		embedTexts = append(embedTexts, rw.Hypothetical)
	}

	nLex := len(rw.Queries)
	lists := make([]RankedList, nLex+len(embedTexts))
	for i := range lists {
		if i < nLex {
			lists[i].Signal = SignalLexical
		} else {
			lists[i].Signal = SignalVector
		}
	}

	var vectorFailures int
	var vectorMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for i, q := range rw.Queries {
		g.Go(func() error {
			hits, err := e.lexical.Search(gctx, q, k)
			if err != nil {
				return fmt.Errorf("lexical search: %w", err)
			}
			cands := make([]Candidate, len(hits))
			for j, h := range hits {
				cands[j] = Candidate{ChunkID: h.ChunkID, Score: h.Score}
			}
			lists[i].Hits = cands
			return nil
		})
	}

	g.Go(func() error {
		embedded := e.gateway.EmbedTexts(gctx, embedTexts)

		var eg errgroup.Group
		for i, res := range embedded {
			if res.Err != nil {
				e.logger.Warn("query embedding failed",
					"text_index", i, "error", res.Err)
				vectorMu.Lock()
				vectorFailures++
				vectorMu.Unlock()
				continue
			}
			vec := res.Value
			slot := nLex + i
			eg.Go(func() error {
				hits, err := e.vectors.Search(gctx, vec, k)
				if err != nil {
					e.logger.Warn("vector search failed", "error", err)
					vectorMu.Lock()
					vectorFailures++
					vectorMu.Unlock()
					return nil
				}
				cands := make([]Candidate, len(hits))
				for j, h := range hits {
					cands[j] = Candidate{ChunkID: h.ChunkID, Score: float64(h.Score)}
				}
				lists[slot].Hits = cands
				return nil
			})
		}
		return eg.Wait()
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if vectorFailures == len(embedTexts) {
		deg.LexicalOnly = true
	}
	return lists, nil
}

// rank applies the reranker to the fused head, enriches from the chunk
// store, and cuts to topK. A reranker failure keeps fusion order and
// flags the response.
func (e *Engine) rank(ctx context.Context, query string, fused []*FusedResult, chunkMap map[string]*store.Chunk, topK int, deg *Degradation) []*SearchResult {
	scores := make(map[string]float64, len(fused))
	order := fused

	if e.reranker != nil && len(fused) > 0 {
		window := e.config.RerankWindow
		if window > len(fused) {
			window = len(fused)
		}

		head := make([]*FusedResult, 0, window)
		docs := make([]string, 0, window)
		for _, r := range fused[:window] {
			c, ok := chunkMap[r.ChunkID]
			if !ok {
				continue
			}
			head = append(head, r)
			docs = append(docs, c.Content)
		}

		ranked, err := e.reranker.Rerank(ctx, query, docs, 0)
		if err != nil {
			e.logger.Warn("rerank failed, keeping fusion order", "error", err)
			deg.Unreranked = true
		} else {
			reordered := make([]*FusedResult, 0, len(fused))
			for _, rr := range ranked {
				reordered = append(reordered, head[rr.Index])
				scores[head[rr.Index].ChunkID] = rr.Score
			}
			reordered = append(reordered, fused[window:]...)
			order = reordered
		}
	}

	results := make([]*SearchResult, 0, topK)
	for _, r := range order {
		if len(results) == topK {
			break
		}
		c, ok := chunkMap[r.ChunkID]
		if !ok {
			// Index entry without stored content. Skipped rather than
			// returned half-empty; parity checking catches the cause.
			e.logger.Warn("chunk missing from store", "chunk_id", r.ChunkID)
			continue
		}

		score := r.RRFScore
		if s, ok := scores[r.ChunkID]; ok {
			score = s
		}
		results = append(results, &SearchResult{
			ChunkID:      c.ID,
			DocID:        c.DocID,
			DocName:      c.DocName,
			Position:     c.Position,
			Content:      c.Content,
			Score:        score,
			LexicalScore: r.LexicalScore,
			VectorScore:  r.VectorScore,
			LexicalRank:  r.LexicalRank,
			VectorRank:   r.VectorRank,
		})
	}
	return results
}

// Ingest indexes one document, replacing any previous version. Chunks
// whose embeddings fail are reported in the outcome and skipped; the
// successfully embedded chunks still land in both indexes. The result
// cache for this knowledge base is invalidated on any change.
func (e *Engine) Ingest(ctx context.Context, doc Document) (*IngestResult, error) {
	if doc.ID == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "document ID must not be empty", nil)
	}
	if len(doc.Chunks) == 0 {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "document has no chunks", nil)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// Replace semantics: drop the previous version's chunks first.
	oldIDs, err := e.chunks.IDsByDoc(ctx, e.config.KBID, doc.ID)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeIngestFailed, err)
	}
	if len(oldIDs) > 0 {
		if err := e.removeChunksLocked(ctx, oldIDs); err != nil {
			return nil, err
		}
	}

	texts := make([]string, len(doc.Chunks))
	records := make([]*store.Chunk, len(doc.Chunks))
	for i, c := range doc.Chunks {
		records[i] = &store.Chunk{
			ID:       fmt.Sprintf("%s/%04d", doc.ID, i),
			DocID:    doc.ID,
			DocName:  doc.Name,
			KBID:     e.config.KBID,
			Position: i,
			Content:  c.Content,
		}
		texts[i] = c.Content
	}

	embedded := e.gateway.EmbedTexts(ctx, texts)

	result := &IngestResult{DocID: doc.ID, Outcomes: make([]ChunkOutcome, len(records))}
	var good []*store.Chunk
	for i, res := range embedded {
		result.Outcomes[i] = ChunkOutcome{ChunkID: records[i].ID, Err: res.Err}
		if res.Err != nil {
			result.Failed++
			continue
		}
		records[i].Embedding = res.Value
		good = append(good, records[i])
	}

	if len(good) > 0 {
		ids := make([]string, len(good))
		vecs := make([][]float32, len(good))
		for i, c := range good {
			ids[i] = c.ID
			vecs[i] = c.Embedding
		}

		if err := e.chunks.Put(ctx, good); err != nil {
			return nil, qerrors.Wrap(qerrors.ErrCodeIngestFailed, err)
		}
		if err := e.lexical.Index(ctx, good); err != nil {
			return nil, qerrors.Wrap(qerrors.ErrCodeIngestFailed, err)
		}
		if err := e.vectors.Add(ctx, ids, vecs); err != nil {
			// Unwind the lexical side so the parity invariant holds.
			if delErr := e.lexical.Delete(ctx, ids); delErr != nil {
				return nil, qerrors.IndexCorruption(e.config.KBID,
					fmt.Sprintf("vector add failed and lexical rollback failed: %v", delErr))
			}
			return nil, qerrors.Wrap(qerrors.ErrCodeIngestFailed, err)
		}
		result.Indexed = len(good)
	}

	if err := e.verifyParityLocked(); err != nil {
		return nil, err
	}

	e.invalidateCache()
	e.logger.Info("document indexed",
		"doc_id", doc.ID,
		"indexed", result.Indexed,
		"failed", result.Failed)
	return result, nil
}

// DeleteDoc removes one document's chunks from every layer. Deleting
// an unknown document is not an error and removes nothing.
func (e *Engine) DeleteDoc(ctx context.Context, docID string) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ids, err := e.chunks.IDsByDoc(ctx, e.config.KBID, docID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := e.removeChunksLocked(ctx, ids); err != nil {
		return 0, err
	}
	if err := e.verifyParityLocked(); err != nil {
		return 0, err
	}

	e.invalidateCache()
	e.logger.Info("document deleted", "doc_id", docID, "chunks", len(ids))
	return len(ids), nil
}

// DeleteChunks removes individual chunks by ID. Unknown IDs are
// ignored; the count of chunks actually removed is returned.
func (e *Engine) DeleteChunks(ctx context.Context, ids []string) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	existing, err := e.chunks.GetMany(ctx, ids)
	if err != nil {
		return 0, err
	}
	if len(existing) == 0 {
		return 0, nil
	}
	present := make([]string, 0, len(existing))
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			present = append(present, id)
		}
	}

	if err := e.removeChunksLocked(ctx, present); err != nil {
		return 0, err
	}
	if err := e.verifyParityLocked(); err != nil {
		return 0, err
	}

	e.invalidateCache()
	e.logger.Info("chunks deleted", "chunks", len(present))
	return len(present), nil
}

// Drop removes every chunk in the knowledge base from all layers and
// clears its cached queries.
func (e *Engine) Drop(ctx context.Context) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	stored, err := e.chunks.ByKB(ctx, e.config.KBID)
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(stored))
	for i, c := range stored {
		ids[i] = c.ID
	}

	if len(ids) > 0 {
		if err := e.removeChunksLocked(ctx, ids); err != nil {
			return 0, err
		}
	}
	if err := e.verifyParityLocked(); err != nil {
		return 0, err
	}

	e.invalidateCache()
	e.logger.Info("knowledge base dropped", "chunks", len(ids))
	return len(ids), nil
}

// removeChunksLocked drops chunk IDs from all three layers. Caller
// holds writeMu.
func (e *Engine) removeChunksLocked(ctx context.Context, ids []string) error {
	if err := e.lexical.Delete(ctx, ids); err != nil {
		return qerrors.Wrap(qerrors.ErrCodeIngestFailed, err)
	}
	if err := e.vectors.Delete(ctx, ids); err != nil {
		return qerrors.IndexCorruption(e.config.KBID,
			fmt.Sprintf("lexical delete applied but vector delete failed: %v", err))
	}
	if err := e.chunks.Delete(ctx, ids); err != nil {
		return qerrors.Wrap(qerrors.ErrCodeIngestFailed, err)
	}
	return nil
}

// Load rebuilds the in-memory indexes from the chunk store. Persistent
// lexical backends keep their entries; only missing IDs are re-indexed.
// Chunks stored without an embedding are skipped on both sides so the
// parity invariant survives a partial historical ingest.
func (e *Engine) Load(ctx context.Context) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	stored, err := e.chunks.ByKB(ctx, e.config.KBID)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return e.verifyParityLocked()
	}

	lexIDs, err := e.lexical.AllIDs()
	if err != nil {
		return err
	}
	inLexical := make(map[string]struct{}, len(lexIDs))
	for _, id := range lexIDs {
		inLexical[id] = struct{}{}
	}

	var toIndex []*store.Chunk
	var vecIDs []string
	var vecs [][]float32
	for _, c := range stored {
		if len(c.Embedding) == 0 {
			continue
		}
		if _, ok := inLexical[c.ID]; !ok {
			toIndex = append(toIndex, c)
		}
		if !e.vectors.Contains(c.ID) {
			vecIDs = append(vecIDs, c.ID)
			vecs = append(vecs, c.Embedding)
		}
	}

	if len(toIndex) > 0 {
		if err := e.lexical.Index(ctx, toIndex); err != nil {
			return qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
		}
	}
	if len(vecIDs) > 0 {
		if err := e.vectors.Add(ctx, vecIDs, vecs); err != nil {
			return qerrors.Wrap(qerrors.ErrCodeStoreIO, err)
		}
	}

	if err := e.verifyParityLocked(); err != nil {
		return err
	}
	e.logger.Info("knowledge base loaded",
		"chunks", len(stored),
		"indexed", len(toIndex),
		"vectors", len(vecIDs))
	return nil
}

// VerifyParity checks that the lexical and vector indexes hold the
// same chunk ID set. A mismatch is never repaired silently; the
// knowledge base needs a reindex.
func (e *Engine) VerifyParity() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.verifyParityLocked()
}

func (e *Engine) verifyParityLocked() error {
	lexIDs, err := e.lexical.AllIDs()
	if err != nil {
		return err
	}
	vecIDs := e.vectors.AllIDs()

	if len(lexIDs) != len(vecIDs) {
		return qerrors.IndexCorruption(e.config.KBID,
			fmt.Sprintf("lexical holds %d chunks, vector holds %d", len(lexIDs), len(vecIDs)))
	}

	lexSet := make(map[string]struct{}, len(lexIDs))
	for _, id := range lexIDs {
		lexSet[id] = struct{}{}
	}
	for _, id := range vecIDs {
		if _, ok := lexSet[id]; !ok {
			return qerrors.IndexCorruption(e.config.KBID,
				fmt.Sprintf("chunk %s present in vector index only", id))
		}
	}
	return nil
}

// invalidateCache drops this knowledge base's cached queries.
func (e *Engine) invalidateCache() {
	if e.resultCache == nil {
		return
	}
	removed := e.resultCache.InvalidateKB(e.config.KBID)
	if removed > 0 {
		e.logger.Debug("result cache invalidated", "entries", removed)
	}
}

// EngineStats describes one knowledge base's index state.
type EngineStats struct {
	KBID       string
	ChunkCount int
	Vector     store.VectorStats
}

// Stats returns the current index state.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		KBID:       e.config.KBID,
		ChunkCount: e.lexical.Count(),
		Vector:     e.vectors.Stats(),
	}
}

// Close releases the engine's indexes. Shared resources (chunk store,
// cache, providers) belong to the registry and stay open.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.lexical.Close(); err != nil {
		firstErr = err
	}
	if err := e.vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
