package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/search"
)

type searchFlags struct {
	limit     int
	format    string
	noCache   bool
	noRewrite bool
}

func newSearchCmd() *cobra.Command {
	var flags searchFlags

	cmd := &cobra.Command{
		Use:   "search <kb> <query>...",
		Short: "Query a knowledge base",
		Long: `Query a knowledge base with hybrid retrieval.

BM25 and vector results are fused with reciprocal rank fusion;
query rewriting and reranking apply when enabled in the config.

Examples:
  quarry search docs "refund policy"
  quarry search docs "how do refunds work" --limit 5 --format json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args[1:], " ")
			return runSearch(cmd, args[0], query, flags)
		},
	}

	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().StringVarP(&flags.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "Bypass the result cache")
	cmd.Flags().BoolVar(&flags.noRewrite, "no-rewrite", false, "Skip query rewriting")

	return cmd
}

func runSearch(cmd *cobra.Command, kbID, query string, flags searchFlags) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.requireKB(cmd.Context(), kbID); err != nil {
		return err
	}
	engine, err := a.engineFor(cmd.Context(), kbID)
	if err != nil {
		return err
	}

	resp, err := engine.Search(cmd.Context(), query, search.SearchOptions{
		TopK:        flags.limit,
		SkipCache:   flags.noCache,
		SkipRewrite: flags.noRewrite,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if flags.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}

	for i, r := range resp.Results {
		fmt.Fprintf(out, "%2d. %-30s %.4f\n", i+1, r.DocName, r.Score)
		fmt.Fprintf(out, "    %s\n", snippet(r.Content, 160))
	}
	fmt.Fprintf(out, "\n%d results in %s", len(resp.Results), resp.Duration.Round(time.Millisecond))
	if resp.CacheHit {
		fmt.Fprint(out, " (cached)")
	}
	fmt.Fprintln(out)

	if notes := degradationNotes(resp.Degradation); len(notes) > 0 {
		fmt.Fprintf(out, "Degraded: %s\n", strings.Join(notes, ", "))
	}
	return nil
}

func degradationNotes(d search.Degradation) []string {
	var notes []string
	if d.LexicalOnly {
		notes = append(notes, "lexical-only (embedding provider unavailable)")
	}
	if d.Unrewritten {
		notes = append(notes, "query not rewritten")
	}
	if d.Unreranked {
		notes = append(notes, "fusion order kept (reranker unavailable)")
	}
	return notes
}

// snippet flattens content to one line, cut at limit runes.
func snippet(content string, limit int) string {
	flat := strings.Join(strings.Fields(content), " ")
	runes := []rune(flat)
	if len(runes) <= limit {
		return flat
	}
	return string(runes[:limit]) + "..."
}
