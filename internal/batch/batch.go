// Package batch provides bounded-concurrency batch processing for
// model-provider calls. Items are split into contiguous fixed-size groups,
// groups run concurrently up to a limit, and per-item outcomes are
// flattened back into input order.
package batch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// Result holds the outcome for a single input item.
type Result[R any] struct {
	// Value is the per-item result; zero value when Err is set.
	Value R

	// Err is the failure for this item's group, nil on success.
	Err error
}

// Worker processes one group of items and returns one result per item,
// in the same order. Returning a slice of the wrong length fails the group.
type Worker[T, R any] func(ctx context.Context, group []T) ([]R, error)

// Options configures a batch run.
type Options struct {
	// BatchSize is the maximum items per group (default: 32).
	BatchSize int

	// MaxConcurrency is the maximum number of groups in flight (default: 4).
	MaxConcurrency int

	// Retry, when non-nil, retries a failing group with backoff before
	// marking its items failed. Workers must be idempotent per group.
	Retry *qerrors.RetryConfig
}

const (
	// DefaultBatchSize is the default items-per-group.
	DefaultBatchSize = 32

	// DefaultMaxConcurrency is the default group-level concurrency bound.
	DefaultMaxConcurrency = 4
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	return o
}

// Process runs worker over items in contiguous groups of opts.BatchSize
// (the last group may be smaller), with at most opts.MaxConcurrency groups
// in flight. The returned slice has exactly one Result per input item, in
// input order.
//
// A failing group marks each of its items failed with the group error;
// sibling groups are unaffected. There is no built-in abort on partial
// failure: the caller decides whether any failure is fatal. Context
// cancellation stops ungrouped work and is reported per item as the
// context error.
func Process[T, R any](ctx context.Context, items []T, worker Worker[T, R], opts Options) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}
	opts = opts.withDefaults()

	type span struct{ start, end int }
	var spans []span
	for start := 0; start < len(items); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(items) {
			end = len(items)
		}
		spans = append(spans, span{start, end})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxConcurrency)

	for _, s := range spans {
		g.Go(func() error {
			group := items[s.start:s.end]

			var out []R
			var err error
			if opts.Retry != nil {
				out, err = qerrors.RetryWithResult(gctx, *opts.Retry, func() ([]R, error) {
					return worker(gctx, group)
				})
			} else {
				out, err = worker(gctx, group)
			}

			if err == nil && len(out) != len(group) {
				err = fmt.Errorf("worker returned %d results for %d items", len(out), len(group))
			}
			if err != nil {
				slog.Debug("batch_group_failed",
					slog.Int("start", s.start),
					slog.Int("size", len(group)),
					slog.String("error", err.Error()))
				for i := s.start; i < s.end; i++ {
					results[i].Err = err
				}
				// Group failures never abort siblings.
				return nil
			}

			for i, v := range out {
				results[s.start+i].Value = v
			}
			return nil
		})
	}

	// Workers never return errors; Wait only observes context cancellation.
	if err := g.Wait(); err != nil {
		for i := range results {
			if results[i].Err == nil {
				results[i].Err = err
			}
		}
	}

	return results
}

// Collect unwraps results into values, returning the first error
// encountered. Convenience for callers that treat any failure as fatal.
func Collect[R any](results []Result[R]) ([]R, error) {
	values := make([]R, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, fmt.Errorf("item %d: %w", i, r.Err)
		}
		values[i] = r.Value
	}
	return values, nil
}

// FailedCount returns the number of failed items.
func FailedCount[R any](results []Result[R]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
