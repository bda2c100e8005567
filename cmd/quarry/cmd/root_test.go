package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args, capturing stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// writeTestConfig builds a config using the offline static embedder so
// tests never reach the network.
func writeTestConfig(t *testing.T, dataDir string) string {
	t.Helper()

	cfg := fmt.Sprintf(`
paths:
  data_dir: %s
embedding:
  provider: static
  dimensions: 64
`, dataDir)

	path := filepath.Join(t.TempDir(), "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func writeDocs(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "faq.md"), []byte(`# FAQ

## Refunds

Our refund policy allows refunds within thirty days of purchase.

## Shipping

Shipping takes five to seven business days in most regions.
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"),
		[]byte("Contact support by email for billing questions.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.go"),
		[]byte("package ignored\n"), 0o644))
	return dir
}

func TestCLI_IndexSearchStats(t *testing.T) {
	dataDir := t.TempDir()
	cfg := writeTestConfig(t, dataDir)
	docs := writeDocs(t)

	out, err := runCLI(t, "--config", cfg, "index", "docs", docs)
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 documents")
	assert.Contains(t, out, `into "docs"`)

	out, err = runCLI(t, "--config", cfg, "search", "docs", "refund policy")
	require.NoError(t, err)
	assert.Contains(t, out, "faq.md")
	assert.Contains(t, out, "refund policy")

	out, err = runCLI(t, "--config", cfg, "search", "docs", "refund policy", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"doc_name": "faq.md"`)
	assert.Contains(t, out, `"results"`)

	out, err = runCLI(t, "--config", cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "docs")

	out, err = runCLI(t, "--config", cfg, "stats", "docs")
	require.NoError(t, err)
	assert.Contains(t, out, "Knowledge base: docs")
	assert.Contains(t, out, "flat")
}

func TestCLI_SearchUnknownKB(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	_, err := runCLI(t, "--config", cfg, "search", "ghost", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestCLI_Delete(t *testing.T) {
	dataDir := t.TempDir()
	cfg := writeTestConfig(t, dataDir)
	docs := writeDocs(t)

	_, err := runCLI(t, "--config", cfg, "index", "docs", docs)
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfg, "delete", "docs", "--doc", "notes.txt")
	require.NoError(t, err)
	assert.Contains(t, out, `Removed 1 chunks from "docs"`)

	out, err = runCLI(t, "--config", cfg, "delete", "docs", "--doc", "missing.md")
	require.NoError(t, err)
	assert.Contains(t, out, "not found")

	out, err = runCLI(t, "--config", cfg, "delete", "docs", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, `Dropped knowledge base "docs"`)

	_, err = runCLI(t, "--config", cfg, "search", "docs", "refund policy")
	require.Error(t, err)

	_, err = runCLI(t, "--config", cfg, "delete", "docs")
	require.Error(t, err)
}

func TestCLI_StatsEmpty(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	out, err := runCLI(t, "--config", cfg, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "No knowledge bases indexed.")
}

func TestCLI_IndexNoFiles(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	_, err := runCLI(t, "--config", cfg, "index", "docs", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no indexable files")
}

func TestCollectFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "d.md"), []byte("x"), 0o644))

	files, err := collectFiles([]string{dir})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.md", files[0].rel)
	assert.Equal(t, "b.txt", files[1].rel)

	// Explicit file arguments skip the extension filter.
	files, err = collectFiles([]string{filepath.Join(dir, "c.go")})
	require.NoError(t, err)
	require.Len(t, files, 1)
}
