package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/quarrylabs/quarry/internal/batch"
	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// RerankResult is one scored document from the reranker.
type RerankResult struct {
	// Index is the original position in the input documents slice.
	Index int
	// Score is the relevance score, higher is better.
	Score float64
}

// Reranker reorders candidate documents using a cross-encoder model.
// Cross-encoders jointly encode query-document pairs: more accurate
// than the bi-encoder embeddings used for retrieval, and far slower,
// which is why they only see the fused top candidates.
type Reranker interface {
	// Rerank scores documents against the query and returns them
	// sorted by score descending. topK <= 0 returns all.
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error)

	// Available reports whether the reranker can serve requests.
	Available(ctx context.Context) bool

	Close() error
}

// NoOpReranker preserves the incoming order. Used when reranking is
// disabled.
type NoOpReranker struct{}

var _ Reranker = (*NoOpReranker)(nil)

// Rerank returns documents in original order with decreasing scores.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]RerankResult, error) {
	results := make([]RerankResult, len(documents))
	for i := range documents {
		results[i] = RerankResult{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Available always returns true.
func (n *NoOpReranker) Available(_ context.Context) bool { return true }

// Close is a no-op.
func (n *NoOpReranker) Close() error { return nil }

// HTTPRerankerConfig configures the HTTP cross-encoder client.
type HTTPRerankerConfig struct {
	// Endpoint is a rerank API endpoint accepting {model, query,
	// documents} and returning per-document relevance scores.
	Endpoint string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// Model is the cross-encoder model identifier.
	Model string

	// BatchSize bounds documents per provider call.
	BatchSize int

	// MaxConcurrency bounds in-flight provider calls.
	MaxConcurrency int

	// Timeout bounds one provider call.
	Timeout time.Duration
}

// HTTPReranker scores query-document pairs through a rerank HTTP API.
// Large candidate sets are split into batches scored concurrently;
// scores from one model are comparable across batches, so the merged
// ordering is sound.
type HTTPReranker struct {
	client *http.Client
	config HTTPRerankerConfig
	opts   batch.Options
}

var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewHTTPReranker creates a reranker client.
func NewHTTPReranker(cfg HTTPRerankerConfig) (*HTTPReranker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("reranker endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	return &HTTPReranker{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		opts: batch.Options{
			BatchSize:      cfg.BatchSize,
			MaxConcurrency: cfg.MaxConcurrency,
		},
	}, nil
}

// Rerank scores all documents in batches and returns a merged ordering
// sorted by score descending. Any batch failure fails the whole call;
// the engine treats that as a soft degradation.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string, topK int) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}

	type indexed struct {
		pos int
		doc string
	}
	items := make([]indexed, len(documents))
	for i, d := range documents {
		items[i] = indexed{pos: i, doc: d}
	}

	worker := func(ctx context.Context, group []indexed) ([]RerankResult, error) {
		docs := make([]string, len(group))
		for i, it := range group {
			docs[i] = it.doc
		}
		scores, err := r.score(ctx, query, docs)
		if err != nil {
			return nil, err
		}
		out := make([]RerankResult, len(group))
		for i, it := range group {
			out[i] = RerankResult{Index: it.pos, Score: scores[i]}
		}
		return out, nil
	}

	results, err := batch.Collect(batch.Process(ctx, items, worker, r.opts))
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})

	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// score makes one provider call and returns scores aligned to docs.
func (r *HTTPReranker) score(ctx context.Context, query string, docs []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{
		Model:     r.config.Model,
		Query:     query,
		Documents: docs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, qerrors.ProviderUnavailable("reranker", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, qerrors.ProviderUnavailable("reranker",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, qerrors.Wrap(qerrors.ErrCodeProviderMalformed, err)
	}
	if len(parsed.Results) != len(docs) {
		return nil, qerrors.New(qerrors.ErrCodeProviderMalformed,
			fmt.Sprintf("reranker returned %d scores for %d documents", len(parsed.Results), len(docs)), nil)
	}

	scores := make([]float64, len(docs))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(docs) {
			return nil, qerrors.New(qerrors.ErrCodeProviderMalformed,
				fmt.Sprintf("reranker returned out-of-range index %d", res.Index), nil)
		}
		scores[res.Index] = res.RelevanceScore
	}
	return scores, nil
}

// Available probes the reranker with a trivial request.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := r.score(probeCtx, "ping", []string{"pong"})
	return err == nil
}

// Close releases connection resources.
func (r *HTTPReranker) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
