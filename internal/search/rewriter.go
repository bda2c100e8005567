package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/quarrylabs/quarry/internal/llm"
)

// MaxQueryVariants caps the paraphrases added by multi-query
// expansion, excluding the original query.
const MaxQueryVariants = 3

// hydePrompt asks for a hypothetical passage answering the question.
// Embedding an answer-shaped text lands closer to stored chunks than
// embedding the question itself.
const hydePrompt = `Please write a short, informative document that would answer the following question.
The document should be concise and directly address the question.

Question: %s

Document:`

// expansionPrompt asks for alternative phrasings of the question.
const expansionPrompt = `Generate 2-3 alternative phrasings or related queries for the following question.
Return only the queries, one per line, without numbering or additional text.

Original question: %s

Alternative queries:`

// Rewrite is the output of query rewriting. Queries always contains
// the original query first; Hypothetical is empty when HyDE is
// disabled or failed.
type Rewrite struct {
	Queries      []string
	Hypothetical string

	// Degraded is set when a rewriting step failed and the result
	// carries less than was asked for.
	Degraded bool
}

// RewriterConfig selects which rewriting strategies run.
type RewriterConfig struct {
	// Hypothetical enables HyDE: a generated answer passage is added
	// as an extra vector signal.
	Hypothetical bool

	// MultiQuery enables paraphrase expansion.
	MultiQuery bool

	// MaxVariants caps paraphrases, at most MaxQueryVariants.
	MaxVariants int
}

// Rewriter expands a query before retrieval using a small generation
// model. Every failure is soft: the worst outcome is searching with
// the original query alone.
type Rewriter struct {
	provider llm.Provider
	config   RewriterConfig
	logger   *slog.Logger
}

// NewRewriter creates a rewriter. A nil provider disables all
// strategies; Rewrite then passes the original query through.
func NewRewriter(provider llm.Provider, config RewriterConfig, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxVariants <= 0 || config.MaxVariants > MaxQueryVariants {
		config.MaxVariants = MaxQueryVariants
	}
	return &Rewriter{provider: provider, config: config, logger: logger}
}

// Rewrite runs the enabled strategies concurrently. The original
// query is always first in Queries regardless of what generation
// produces.
func (r *Rewriter) Rewrite(ctx context.Context, query string) Rewrite {
	out := Rewrite{Queries: []string{query}}
	if r.provider == nil {
		return out
	}

	var hypothetical string
	var variants []string
	var hydeErr, expandErr error

	g, gctx := errgroup.WithContext(ctx)
	if r.config.Hypothetical {
		g.Go(func() error {
			hypothetical, hydeErr = r.hyde(gctx, query)
			return nil
		})
	}
	if r.config.MultiQuery {
		g.Go(func() error {
			variants, expandErr = r.expand(gctx, query)
			return nil
		})
	}
	_ = g.Wait()

	if hydeErr != nil {
		r.logger.Warn("hypothetical document generation failed",
			"query", query, "error", hydeErr)
		out.Degraded = true
	}
	if expandErr != nil {
		r.logger.Warn("query expansion failed",
			"query", query, "error", expandErr)
		out.Degraded = true
	}

	out.Hypothetical = hypothetical
	for _, v := range variants {
		if !containsFold(out.Queries, v) {
			out.Queries = append(out.Queries, v)
		}
	}
	return out
}

// hyde generates one hypothetical answer passage.
func (r *Rewriter) hyde(ctx context.Context, query string) (string, error) {
	resp, err := r.provider.Generate(ctx, fmt.Sprintf(hydePrompt, query))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

// expand generates paraphrases, one per output line.
func (r *Rewriter) expand(ctx context.Context, query string) ([]string, error) {
	resp, err := r.provider.Generate(ctx, fmt.Sprintf(expansionPrompt, query))
	if err != nil {
		return nil, err
	}

	var variants []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		variants = append(variants, line)
		if len(variants) == r.config.MaxVariants {
			break
		}
	}
	return variants, nil
}

// containsFold reports whether list holds s, case-insensitively.
func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
