package embed

import (
	"context"
	"log/slog"

	"github.com/quarrylabs/quarry/internal/batch"
	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// Gateway is the single entry point for embedding generation. It wraps
// a provider with batching, bounded concurrency, retry on transient
// failures, and dimension enforcement. Callers get back exactly one
// result per input text, in input order.
type Gateway struct {
	embedder Embedder
	opts     batch.Options
	dims     int
	logger   *slog.Logger
}

// GatewayConfig configures the embedding gateway.
type GatewayConfig struct {
	// BatchSize is the maximum texts per provider call.
	BatchSize int

	// MaxConcurrency bounds in-flight provider calls.
	MaxConcurrency int

	// Dimensions is the enforced embedding width. Zero disables the
	// gateway-level check (the provider still enforces its own).
	Dimensions int

	// Retry overrides the default transient-failure retry policy.
	Retry *qerrors.RetryConfig
}

// NewGateway creates an embedding gateway around the given provider.
func NewGateway(embedder Embedder, cfg GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.Retry
	if retry == nil {
		rc := qerrors.DefaultRetryConfig()
		retry = &rc
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}
	return &Gateway{
		embedder: embedder,
		opts: batch.Options{
			BatchSize:      size,
			MaxConcurrency: cfg.MaxConcurrency,
			Retry:          retry,
		},
		dims:   cfg.Dimensions,
		logger: logger,
	}
}

// EmbedQuery embeds a single query string.
func (g *Gateway) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	results := g.EmbedTexts(ctx, []string{query})
	if results[0].Err != nil {
		return nil, results[0].Err
	}
	return results[0].Value, nil
}

// EmbedTexts embeds texts in batches and returns one result per input,
// in input order. A failing batch marks only its own texts failed;
// other batches are unaffected. Transient provider errors are retried
// with backoff before a batch is marked failed.
func (g *Gateway) EmbedTexts(ctx context.Context, texts []string) []batch.Result[[]float32] {
	worker := func(ctx context.Context, group []string) ([][]float32, error) {
		vecs, err := g.embedder.EmbedBatch(ctx, group)
		if err != nil {
			return nil, err
		}
		if g.dims > 0 {
			for _, v := range vecs {
				if len(v) != g.dims {
					return nil, qerrors.DimensionMismatch(g.dims, len(v))
				}
			}
		}
		return vecs, nil
	}

	results := batch.Process(ctx, texts, worker, g.opts)

	if failed := batch.FailedCount(results); failed > 0 {
		g.logger.Warn("embedding batches partially failed",
			"total", len(texts),
			"failed", failed,
			"model", g.embedder.ModelName())
	}
	return results
}

// EmbedAll embeds texts and fails the whole call on any per-item error.
// Used for query-side embedding where partial vectors are useless.
func (g *Gateway) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	return batch.Collect(g.EmbedTexts(ctx, texts))
}

// Dimensions returns the enforced embedding width, falling back to the
// provider's reported width when unenforced.
func (g *Gateway) Dimensions() int {
	if g.dims > 0 {
		return g.dims
	}
	return g.embedder.Dimensions()
}

// ModelName returns the underlying provider's model identifier.
func (g *Gateway) ModelName() string { return g.embedder.ModelName() }

// Available delegates to the underlying provider.
func (g *Gateway) Available(ctx context.Context) bool { return g.embedder.Available(ctx) }

// Close closes the underlying provider.
func (g *Gateway) Close() error { return g.embedder.Close() }
