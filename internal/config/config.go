// Package config loads and validates Quarry configuration.
// Configuration comes from a YAML file with environment variable overrides
// (QUARRY_* variables take highest priority).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete Quarry configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Rewrite   RewriteConfig   `yaml:"rewrite"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// DataDir is the root directory for per-knowledge-base index data.
	DataDir string `yaml:"data_dir"`
}

// RetrievalConfig configures the hybrid retrieval pipeline.
type RetrievalConfig struct {
	// TopK is the default number of results returned by a query.
	TopK int `yaml:"top_k"`

	// MaxTopK caps the per-query top-k.
	MaxTopK int `yaml:"max_top_k"`

	// CandidateMultiplier widens the per-signal candidate pool before
	// fusion (each signal fetches top_k * multiplier candidates).
	CandidateMultiplier int `yaml:"candidate_multiplier"`

	// RRFConstant is the reciprocal rank fusion smoothing parameter (k).
	// 60 is the industry baseline used by Azure AI Search and OpenSearch.
	RRFConstant int `yaml:"rrf_constant"`

	// LexicalBackend selects the lexical index implementation:
	// "memory" (default, in-process BM25) or "bleve".
	LexicalBackend string `yaml:"lexical_backend"`

	// AcceleratedIndex enables the HNSW vector backend.
	AcceleratedIndex bool `yaml:"accelerated_index"`

	// AcceleratedMinVectors is the vector count at which the accelerated
	// backend is built; below it the flat scan is used.
	AcceleratedMinVectors int `yaml:"accelerated_min_vectors"`

	// RebuildStaleness is the fraction of mutated vectors
	// (adds + tombstones since last build) that triggers a rebuild.
	RebuildStaleness float64 `yaml:"rebuild_staleness"`

	// QueryTimeout bounds one query end to end.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// EmbeddingConfig configures the embedding provider and gateway.
type EmbeddingConfig struct {
	// Provider selects the embedding backend: "http" or "static".
	Provider string `yaml:"provider"`

	// Endpoint is the OpenAI-compatible embeddings endpoint.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates against the provider, if required.
	APIKey string `yaml:"api_key"`

	// Model is the embedding model identifier.
	Model string `yaml:"model"`

	// Dimensions is the expected embedding dimensionality.
	// A provider response of any other width is a fatal mismatch.
	Dimensions int `yaml:"dimensions"`

	// BatchSize is the number of texts per provider call.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrency bounds concurrent provider calls.
	MaxConcurrency int `yaml:"max_concurrency"`

	// CacheSize is the query-embedding LRU cache capacity.
	CacheSize int `yaml:"cache_size"`

	// Timeout bounds one provider call.
	Timeout time.Duration `yaml:"timeout"`
}

// RewriteConfig configures query rewriting.
type RewriteConfig struct {
	// Enabled turns rewriting on by default; per-query flags override.
	Enabled bool `yaml:"enabled"`

	// Hypothetical enables hypothetical-answer (HyDE) expansion.
	Hypothetical bool `yaml:"hypothetical"`

	// MultiQuery enables paraphrase expansion.
	MultiQuery bool `yaml:"multi_query"`

	// MaxVariants caps the number of paraphrase variants kept.
	MaxVariants int `yaml:"max_variants"`

	// Host is the base URL of the Ollama-compatible server used for
	// rewriting.
	Host string `yaml:"host"`

	// Model is the LLM model used for rewriting.
	Model string `yaml:"model"`

	// Timeout bounds one rewrite call; rewriting fails open on expiry.
	Timeout time.Duration `yaml:"timeout"`
}

// RerankConfig configures the cross-encoder reranking pass.
type RerankConfig struct {
	// Enabled turns reranking on.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the rerank scoring endpoint.
	Endpoint string `yaml:"endpoint"`

	// Model is the reranker model identifier.
	Model string `yaml:"model"`

	// Window is the number of fused candidates scored by the reranker;
	// results past the window keep their fusion order.
	Window int `yaml:"window"`

	// BatchSize is the number of query-document pairs per call.
	BatchSize int `yaml:"batch_size"`

	// MaxConcurrency bounds concurrent rerank calls.
	MaxConcurrency int `yaml:"max_concurrency"`

	// Timeout bounds one rerank call; reranking fails open on expiry.
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig configures the query result cache.
type CacheConfig struct {
	// Enabled turns the result cache on.
	Enabled bool `yaml:"enabled"`

	// Capacity is the maximum number of cached query results.
	Capacity int `yaml:"capacity"`

	// TTL is the time-to-live for cached query results.
	TTL time.Duration `yaml:"ttl"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:                  10,
			MaxTopK:               100,
			CandidateMultiplier:   3,
			RRFConstant:           60,
			LexicalBackend:        "memory",
			AcceleratedIndex:      true,
			AcceleratedMinVectors: 1000,
			RebuildStaleness:      0.25,
			QueryTimeout:          30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:       "http",
			Endpoint:       "http://localhost:11434/v1/embeddings",
			Model:          "nomic-embed-text",
			Dimensions:     768,
			BatchSize:      32,
			MaxConcurrency: 4,
			CacheSize:      1000,
			Timeout:        60 * time.Second,
		},
		Rewrite: RewriteConfig{
			Enabled:      false,
			Hypothetical: true,
			MultiQuery:   true,
			MaxVariants:  3,
			Host:         "http://localhost:11434",
			Model:        "qwen3:0.6b",
			Timeout:      10 * time.Second,
		},
		Rerank: RerankConfig{
			Enabled:        false,
			Endpoint:       "http://localhost:8787/rerank",
			Window:         20,
			BatchSize:      16,
			MaxConcurrency: 2,
			Timeout:        15 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:  true,
			Capacity: 1000,
			TTL:      time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, applying defaults for missing
// fields and environment overrides on top. A missing file is not an
// error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies QUARRY_* environment variables.
// Env vars beat both defaults and the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUARRY_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("QUARRY_EMBED_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("QUARRY_EMBED_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("QUARRY_EMBED_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("QUARRY_EMBED_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Dimensions = n
		}
	}
	if v := os.Getenv("QUARRY_RRF_CONSTANT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Retrieval.RRFConstant = n
		}
	}
	if v := os.Getenv("QUARRY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.MaxTopK < c.Retrieval.TopK {
		return fmt.Errorf("retrieval.max_top_k (%d) must be >= retrieval.top_k (%d)",
			c.Retrieval.MaxTopK, c.Retrieval.TopK)
	}
	if c.Retrieval.RRFConstant <= 0 {
		return fmt.Errorf("retrieval.rrf_constant must be positive, got %d", c.Retrieval.RRFConstant)
	}
	switch c.Retrieval.LexicalBackend {
	case "memory", "bleve":
	default:
		return fmt.Errorf("retrieval.lexical_backend must be \"memory\" or \"bleve\", got %q",
			c.Retrieval.LexicalBackend)
	}
	if c.Retrieval.RebuildStaleness <= 0 || c.Retrieval.RebuildStaleness > 1 {
		return fmt.Errorf("retrieval.rebuild_staleness must be in (0, 1], got %g",
			c.Retrieval.RebuildStaleness)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.MaxConcurrency <= 0 {
		return fmt.Errorf("embedding.max_concurrency must be positive, got %d", c.Embedding.MaxConcurrency)
	}
	if c.Cache.Enabled && c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive when cache is enabled, got %d", c.Cache.Capacity)
	}
	return nil
}

// defaultDataDir returns the default index data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quarry"
	}
	return home + "/.quarry"
}
