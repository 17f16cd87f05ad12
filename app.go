package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/storage"
	"videoSearch/utils"
)

// App 组装好的运行时组件
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *core.Metrics

	store     storage.Store
	index     *storage.VectorIndex
	rebuilder *storage.Rebuilder
	retriever *processors.Retriever
	pipeline  *processors.Pipeline
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newApp opens the store, prepares the vector index and builds the pipeline
// and retriever. The caller must defer app.Close().
func newApp(ctx context.Context) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Server.LogLevel)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewMetrics(registry)

	for _, dir := range []string{cfg.Storage.VideoDir, cfg.Storage.SegmentDir, cfg.Storage.ScratchDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("store ready", "driver", cfg.Database.Driver)

	index := storage.NewVectorIndex(storage.IndexOptions{
		Dimension:        cfg.Embedding.Dimension,
		Backend:          cfg.Index.Backend,
		MilvusAddr:       cfg.Index.MilvusAddr,
		MilvusCollection: cfg.Index.MilvusCollection,
	}, metrics, logger)
	if err := index.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}

	asr, err := processors.NewTranscriber(cfg.ASR, logger)
	if err != nil {
		index.Close()
		store.Close()
		return nil, err
	}
	embedder := processors.NewOpenAIEmbedder(cfg.Embedding, nil)
	media := processors.NewFFmpegTools(cfg.Media, logger)

	a := &App{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		metrics:   metrics,
		store:     store,
		index:     index,
		rebuilder: storage.NewRebuilder(store, index, logger),
		retriever: processors.NewRetriever(store, index, embedder, processors.RetrievalOptions{
			DefaultLimit:         cfg.Search.DefaultLimit,
			DefaultMinConfidence: cfg.Search.DefaultMinConfidence,
			OverFetch:            cfg.Search.OverFetch,
		}, metrics, logger),
		pipeline: processors.NewPipeline(processors.PipelineDeps{
			Store:      store,
			Index:      index,
			Prober:     media,
			Extractor:  media,
			Cutter:     media,
			ASR:        asr,
			Embedder:   embedder,
			SegmentDir: cfg.Storage.SegmentDir,
			ScratchDir: cfg.Storage.ScratchDir,
			Metrics:    metrics,
			Logger:     logger,
		}),
	}
	return a, nil
}

// rebuildIndex reloads stored embeddings so searches see videos ingested by earlier runs.
func (a *App) rebuildIndex(ctx context.Context) error {
	if _, err := a.rebuilder.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	return nil
}

// Close releases the index and the store.
func (a *App) Close() error {
	return errors.Join(a.index.Close(), a.store.Close())
}
