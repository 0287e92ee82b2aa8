package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gluonMaster/ImageSearchGPU/internal/config"
	"github.com/gluonMaster/ImageSearchGPU/internal/embedder"
	"github.com/gluonMaster/ImageSearchGPU/internal/indexer"
	"github.com/gluonMaster/ImageSearchGPU/internal/memory"
	"github.com/gluonMaster/ImageSearchGPU/internal/scanner"
	"github.com/gluonMaster/ImageSearchGPU/internal/searcher"
	"github.com/gluonMaster/ImageSearchGPU/internal/storage"
	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// session owns the components of one process run. The cache is opened once
// and shared by the indexer and the searcher.
type session struct {
	cache    *storage.Cache
	embedder embedder.Embedder
	monitor  *memory.Monitor
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
}

// openSession opens the cache, validates it and wires every component.
func openSession(ctx context.Context) (*session, error) {
	cache, err := storage.Open(ctx, cfg.CacheDir, storage.Options{
		LockTimeout: lockTimeout,
		Logger:      logger,
	})
	if err != nil {
		if errors.Is(err, types.ErrCacheLocked) {
			return nil, fmt.Errorf("%w\n  Another imagesearch process is using %s.", err, cfg.CacheDir)
		}
		return nil, fmt.Errorf("cannot open cache: %w", err)
	}

	v, err := cache.Verify(ctx)
	if err != nil {
		_ = cache.Close()
		if errors.Is(err, types.ErrCacheCorrupt) {
			return nil, fmt.Errorf("%w\n  Run 'imagesearch clear --yes' to start over.", err)
		}
		return nil, fmt.Errorf("cannot load cache: %w", err)
	}
	logger.Info("cache loaded",
		"dir", cache.Dir(), "entries", v.Entries, "roots", v.Meta.Roots,
		"resumable", v.Progress != nil)

	s := &session{cache: cache}
	if err := s.wire(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) wire() error {
	provider := resolveProvider(cfg, logger)
	emb, err := embedder.New(embedder.Config{
		Provider:  provider,
		APIKey:    cfg.Embedder.APIKey,
		Endpoint:  cfg.Embedder.Endpoint,
		Model:     cfg.Embedder.Model,
		Dimension: cfg.Embedder.Dimension,
		CacheSize: cfg.Embedder.CacheSize,
		Timeout:   cfg.EmbeddingTimeout(),
	})
	if err != nil {
		return fmt.Errorf("cannot create embedder: %w", err)
	}
	s.embedder = emb
	logger.Debug("embedder ready", "provider", emb.Provider(), "model", emb.Model(), "dimension", emb.Dimension())

	s.monitor, err = memory.NewMonitor(cfg.Thresholds())
	if err != nil {
		return err
	}

	s.indexer, err = indexer.New(indexer.Dependencies{
		Store:    s.cache,
		Embedder: emb,
		Scanner: scanner.NewWalker(scanner.Options{
			Extensions: cfg.Extensions,
			Excludes:   cfg.Excludes,
			Recursive:  cfg.Recursive,
			Logger:     logger,
		}),
		Sampler: s.monitor,
		Logger:  logger,
	}, indexer.Config{
		ChunkSize:        cfg.ChunkSize,
		MinChunkSize:     cfg.MinChunkSize,
		Workers:          cfg.Workers,
		EmbeddingTimeout: cfg.EmbeddingTimeout(),
	})
	if err != nil {
		return err
	}

	s.searcher = searcher.New(s.cache, emb, searcher.WithLogger(logger))
	return nil
}

// resolveProvider picks the embedding provider. Without an explicit choice a
// configured API key selects Jina; otherwise the offline local provider is
// used, with a warning because its vectors carry no meaning.
func resolveProvider(c *config.Config, log *slog.Logger) string {
	if c.Embedder.Provider != "" {
		return c.Embedder.Provider
	}
	provider := embedder.DetectProvider()
	if provider == embedder.ProviderLocal && c.Embedder.APIKey != "" {
		provider = embedder.ProviderJina
	}
	if provider == embedder.ProviderLocal {
		log.Warn("no embedding API key configured, falling back to the local provider; "+
			"its text and image vectors are unrelated, so search results will be noise",
			"hint", "set "+config.EnvJinaAPIKey+" or embedder.provider")
	}
	return provider
}

// Close flushes the cache and releases the embedder.
func (s *session) Close() error {
	var errs []error
	if s.embedder != nil {
		errs = append(errs, s.embedder.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	return errors.Join(errs...)
}
