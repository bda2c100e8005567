package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/embed"
	qerrors "github.com/quarrylabs/quarry/internal/errors"
	"github.com/quarrylabs/quarry/internal/llm"
	"github.com/quarrylabs/quarry/internal/logging"
	"github.com/quarrylabs/quarry/internal/search"
	"github.com/quarrylabs/quarry/internal/store"
)

// app wires configuration, logging, stores, and the engine registry
// for one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	chunks   *store.ChunkStore
	lock     *store.DataLock
	registry *search.Registry
	cleanups []func()
}

// newApp builds the full stack. lockData takes the exclusive data-dir
// lock and must be set by any command that writes indexes.
func newApp(lockData bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	logPath := cfg.Logging.FilePath
	if logPath == "" {
		logPath = filepath.Join(cfg.Paths.DataDir, "logs", "quarry.log")
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.FilePath = logPath
	logCfg.WriteToStderr = false
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	a.logger = logger
	a.cleanups = append(a.cleanups, logCleanup)

	if lockData {
		lock := store.NewDataLock(cfg.Paths.DataDir)
		if err := lock.Acquire(); err != nil {
			return nil, err
		}
		a.lock = lock
	}

	chunks, err := store.NewChunkStore(filepath.Join(cfg.Paths.DataDir, "chunks.db"))
	if err != nil {
		return nil, err
	}
	a.chunks = chunks

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	gateway := embed.NewGateway(embedder, embed.GatewayConfig{
		BatchSize:      cfg.Embedding.BatchSize,
		MaxConcurrency: cfg.Embedding.MaxConcurrency,
		Dimensions:     cfg.Embedding.Dimensions,
	}, logger)
	a.cleanups = append(a.cleanups, func() { _ = gateway.Close() })

	var engineOpts []search.EngineOption
	if cfg.Cache.Enabled {
		rc, err := search.NewResultCache(cfg.Cache.Capacity, cfg.Cache.TTL)
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, search.WithResultCache(rc))
	}
	if cfg.Rewrite.Enabled {
		provider := llm.NewHTTPProvider(llm.Config{
			Host:    cfg.Rewrite.Host,
			Model:   cfg.Rewrite.Model,
			Timeout: cfg.Rewrite.Timeout,
		})
		rewriter := search.NewRewriter(provider, search.RewriterConfig{
			Hypothetical: cfg.Rewrite.Hypothetical,
			MultiQuery:   cfg.Rewrite.MultiQuery,
			MaxVariants:  cfg.Rewrite.MaxVariants,
		}, logger)
		engineOpts = append(engineOpts, search.WithRewriter(rewriter))
	}
	if cfg.Rerank.Enabled {
		reranker, err := search.NewHTTPReranker(search.HTTPRerankerConfig{
			Endpoint:       cfg.Rerank.Endpoint,
			Model:          cfg.Rerank.Model,
			BatchSize:      cfg.Rerank.BatchSize,
			MaxConcurrency: cfg.Rerank.MaxConcurrency,
			Timeout:        cfg.Rerank.Timeout,
		})
		if err != nil {
			return nil, err
		}
		engineOpts = append(engineOpts, search.WithReranker(reranker))
	}

	a.registry = search.NewRegistry(func(kbID string) (*search.Engine, error) {
		lexical, err := store.NewLexicalIndex(cfg.Retrieval.LexicalBackend,
			filepath.Join(cfg.Paths.DataDir, "kb", kbID, "lexical.bleve"))
		if err != nil {
			return nil, err
		}

		mgrCfg := store.ManagerConfig{
			Vector: store.VectorConfig{Dimensions: cfg.Embedding.Dimensions},
		}
		if cfg.Retrieval.AcceleratedIndex {
			mgrCfg.Accelerated = true
			mgrCfg.AcceleratedMinVectors = cfg.Retrieval.AcceleratedMinVectors
			mgrCfg.RebuildStaleness = cfg.Retrieval.RebuildStaleness
		}
		vectors := store.NewVectorIndexManager(mgrCfg, logger)

		return search.NewEngine(search.EngineConfig{
			KBID:                kbID,
			TopK:                cfg.Retrieval.TopK,
			MaxTopK:             cfg.Retrieval.MaxTopK,
			CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
			RRFConstant:         cfg.Retrieval.RRFConstant,
			RerankWindow:        cfg.Rerank.Window,
			RewriteEnabled:      cfg.Rewrite.Enabled,
			QueryTimeout:        cfg.Retrieval.QueryTimeout,
		}, lexical, vectors, chunks, gateway, logger, engineOpts...), nil
	}, logger)

	ok = true
	return a, nil
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		path = os.Getenv("QUARRY_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Paths.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func buildEmbedder(cfg *config.Config) (embed.Embedder, error) {
	var (
		embedder embed.Embedder
		err      error
	)
	switch cfg.Embedding.Provider {
	case "static":
		embedder = embed.NewStaticEmbedder(cfg.Embedding.Dimensions)
	case "http", "":
		embedder, err = embed.NewHTTPEmbedder(embed.HTTPConfig{
			Endpoint:   cfg.Embedding.Endpoint,
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Timeout:    cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Embedding.Provider)
	}

	if cfg.Embedding.CacheSize > 0 {
		return embed.NewCachedEmbedder(embedder, cfg.Embedding.CacheSize)
	}
	return embedder, nil
}

// engineFor returns the loaded engine for a knowledge base, building
// its in-memory indexes from the chunk store on first use.
func (a *app) engineFor(ctx context.Context, kbID string) (*search.Engine, error) {
	e, err := a.registry.Get(kbID)
	if err == nil {
		return e, nil
	}

	e, err = a.registry.GetOrCreate(kbID)
	if err != nil {
		return nil, err
	}
	if err := e.Load(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// requireKB fails with a not-found error when the knowledge base has
// never been indexed.
func (a *app) requireKB(ctx context.Context, kbID string) error {
	if _, err := a.registry.Get(kbID); err == nil {
		return nil
	}
	n, err := a.chunks.CountByKB(ctx, kbID)
	if err != nil {
		return err
	}
	if n == 0 {
		return qerrors.KBNotFound(kbID)
	}
	return nil
}

func (a *app) close() {
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if a.chunks != nil {
		_ = a.chunks.Close()
	}
	if a.lock != nil {
		_ = a.lock.Release()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}
