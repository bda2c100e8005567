package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, 60, cfg.Retrieval.RRFConstant)
	assert.Equal(t, "memory", cfg.Retrieval.LexicalBackend)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Retrieval.TopK, cfg.Retrieval.TopK)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarry.yaml")
	content := `
retrieval:
  top_k: 20
  max_top_k: 200
  rrf_constant: 30
  lexical_backend: bleve
embedding:
  dimensions: 384
  batch_size: 8
cache:
  capacity: 50
  ttl: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Retrieval.TopK)
	assert.Equal(t, 30, cfg.Retrieval.RRFConstant)
	assert.Equal(t, "bleve", cfg.Retrieval.LexicalBackend)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	// Untouched fields keep defaults.
	assert.Equal(t, Default().Embedding.MaxConcurrency, cfg.Embedding.MaxConcurrency)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedding:\n  dimensions: 384\n"), 0o644))

	t.Setenv("QUARRY_EMBED_DIMENSIONS", "1024")
	t.Setenv("QUARRY_RRF_CONSTANT", "90")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Embedding.Dimensions)
	assert.Equal(t, 90, cfg.Retrieval.RRFConstant)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }},
		{"max below default", func(c *Config) { c.Retrieval.MaxTopK = 1 }},
		{"zero rrf constant", func(c *Config) { c.Retrieval.RRFConstant = 0 }},
		{"bad lexical backend", func(c *Config) { c.Retrieval.LexicalBackend = "solr" }},
		{"staleness out of range", func(c *Config) { c.Retrieval.RebuildStaleness = 1.5 }},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
