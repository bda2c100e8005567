package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

type deleteFlags struct {
	docs   []string
	chunks []string
	all    bool
}

func newDeleteCmd() *cobra.Command {
	var flags deleteFlags

	cmd := &cobra.Command{
		Use:   "delete <kb>",
		Short: "Remove documents, chunks, or a whole knowledge base",
		Long: `Remove indexed content from a knowledge base.

Removal applies to the lexical index, the vector index, and the chunk
store together, and invalidates the knowledge base's cached queries.

Examples:
  quarry delete docs --doc guides/setup.md
  quarry delete docs --chunk guides/setup.md/0002
  quarry delete docs --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringArrayVar(&flags.docs, "doc", nil, "Document ID to remove (repeatable)")
	cmd.Flags().StringArrayVar(&flags.chunks, "chunk", nil, "Chunk ID to remove (repeatable)")
	cmd.Flags().BoolVar(&flags.all, "all", false, "Remove every document in the knowledge base")

	return cmd
}

func runDelete(cmd *cobra.Command, kbID string, flags deleteFlags) error {
	if !flags.all && len(flags.docs) == 0 && len(flags.chunks) == 0 {
		return fmt.Errorf("nothing to delete: pass --doc, --chunk, or --all")
	}
	if flags.all && (len(flags.docs) > 0 || len(flags.chunks) > 0) {
		return fmt.Errorf("--all cannot be combined with --doc or --chunk")
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	if err := a.requireKB(ctx, kbID); err != nil {
		return err
	}
	engine, err := a.engineFor(ctx, kbID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if flags.all {
		removed, err := engine.Drop(ctx)
		if err != nil {
			return err
		}
		if rmErr := a.registry.Remove(kbID); rmErr != nil {
			a.logger.Warn("engine close after drop failed", "kb_id", kbID, "error", rmErr)
		}
		fmt.Fprintf(out, "Dropped knowledge base %q (%d chunks)\n", kbID, removed)
		return nil
	}

	total := 0
	for _, docID := range flags.docs {
		removed, err := engine.DeleteDoc(ctx, docID)
		if err != nil {
			return err
		}
		if removed == 0 {
			fmt.Fprintf(out, "Document %q not found, nothing removed\n", docID)
			continue
		}
		total += removed
	}
	if len(flags.chunks) > 0 {
		removed, err := engine.DeleteChunks(ctx, flags.chunks)
		if err != nil {
			return err
		}
		total += removed
	}

	fmt.Fprintf(out, "Removed %d chunks from %q\n", total, kbID)
	return nil
}
