package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [kb]",
		Short: "Show index statistics",
		Long: `Show statistics for all knowledge bases, or detailed index state
for one knowledge base.

Examples:
  quarry stats
  quarry stats docs`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kbID := ""
			if len(args) > 0 {
				kbID = args[0]
			}
			return runStats(cmd, kbID)
		},
	}
	return cmd
}

func runStats(cmd *cobra.Command, kbID string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if kbID == "" {
		kbs, err := a.chunks.KBs(ctx)
		if err != nil {
			return err
		}
		if len(kbs) == 0 {
			fmt.Fprintln(out, "No knowledge bases indexed.")
			return nil
		}
		for _, kb := range kbs {
			n, err := a.chunks.CountByKB(ctx, kb)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-30s %d chunks\n", kb, n)
		}
		return nil
	}

	if err := a.requireKB(ctx, kbID); err != nil {
		return err
	}
	engine, err := a.engineFor(ctx, kbID)
	if err != nil {
		return err
	}

	stats := engine.Stats()
	fmt.Fprintf(out, "Knowledge base: %s\n", stats.KBID)
	fmt.Fprintf(out, "Chunks:         %d\n", stats.ChunkCount)
	fmt.Fprintf(out, "Vector index:   %s (%d vectors", stats.Vector.Kind, stats.Vector.Count)
	if stats.Vector.Orphans > 0 {
		fmt.Fprintf(out, ", %d tombstones", stats.Vector.Orphans)
	}
	fmt.Fprintln(out, ")")
	fmt.Fprintf(out, "Lexical:        %s\n", a.cfg.Retrieval.LexicalBackend)
	return nil
}
