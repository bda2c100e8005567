package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/ingest"
	"github.com/quarrylabs/quarry/internal/search"
)

// indexableExtensions are the file types the index command picks up
// when walking a directory.
var indexableExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".mdx":      true,
	".txt":      true,
	".rst":      true,
}

func newIndexCmd() *cobra.Command {
	var maxTokens int

	cmd := &cobra.Command{
		Use:   "index <kb> <path>...",
		Short: "Index documents into a knowledge base",
		Long: `Index files or directories into a knowledge base.

Markdown files are split along their header structure; other text
files are split by paragraphs. Re-indexing a file replaces its
previous chunks.

Examples:
  quarry index docs ./handbook
  quarry index docs README.md CHANGELOG.md`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, args[0], args[1:], maxTokens)
		},
	}

	cmd.Flags().IntVar(&maxTokens, "max-tokens", ingest.DefaultMaxTokens, "Approximate token budget per chunk")

	return cmd
}

func runIndex(cmd *cobra.Command, kbID string, paths []string, maxTokens int) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	files, err := collectFiles(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no indexable files under %s", strings.Join(paths, ", "))
	}

	engine, err := a.engineFor(cmd.Context(), kbID)
	if err != nil {
		return err
	}

	splitter := ingest.NewSplitter(ingest.Options{MaxTokens: maxTokens})
	out := cmd.OutOrStdout()

	var docs, indexed, failed, skipped int
	for _, file := range files {
		content, err := os.ReadFile(file.abs)
		if err != nil {
			return fmt.Errorf("read %s: %w", file.abs, err)
		}

		chunks := splitter.Split(file.rel, string(content))
		if len(chunks) == 0 {
			skipped++
			continue
		}

		doc := search.Document{ID: file.rel, Name: filepath.Base(file.rel)}
		for _, c := range chunks {
			doc.Chunks = append(doc.Chunks, search.IngestChunk{Content: c})
		}

		result, err := engine.Ingest(cmd.Context(), doc)
		if err != nil {
			return fmt.Errorf("index %s: %w", file.rel, err)
		}
		docs++
		indexed += result.Indexed
		failed += result.Failed
		if result.Failed > 0 {
			fmt.Fprintf(out, "  %s: %d of %d chunks failed to embed\n",
				file.rel, result.Failed, result.Indexed+result.Failed)
		}
	}

	fmt.Fprintf(out, "Indexed %d documents (%d chunks) into %q", docs, indexed, kbID)
	if failed > 0 {
		fmt.Fprintf(out, ", %d chunks failed", failed)
	}
	if skipped > 0 {
		fmt.Fprintf(out, ", %d empty files skipped", skipped)
	}
	fmt.Fprintln(out)
	return nil
}

type inputFile struct {
	abs string
	rel string
}

// collectFiles expands the given paths into indexable files. Explicit
// file arguments are always accepted; directory walks filter by
// extension and skip hidden entries.
func collectFiles(paths []string) ([]inputFile, error) {
	var files []inputFile
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			files = append(files, inputFile{abs: p, rel: filepath.ToSlash(filepath.Clean(p))})
			continue
		}

		root := filepath.Clean(p)
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") && path != root {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !indexableExtensions[strings.ToLower(filepath.Ext(name))] {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, inputFile{abs: path, rel: filepath.ToSlash(rel)})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
