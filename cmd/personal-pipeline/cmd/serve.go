package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dpark2025/personal-pipeline/internal/adapter"
	"github.com/dpark2025/personal-pipeline/internal/adapter/dbadapter"
	"github.com/dpark2025/personal-pipeline/internal/adapter/fileadapter"
	"github.com/dpark2025/personal-pipeline/internal/adapter/repoadapter"
	"github.com/dpark2025/personal-pipeline/internal/adapter/webadapter"
	"github.com/dpark2025/personal-pipeline/internal/adapter/wikiadapter"
	"github.com/dpark2025/personal-pipeline/internal/cache"
	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/embed"
	"github.com/dpark2025/personal-pipeline/internal/httpapi"
	"github.com/dpark2025/personal-pipeline/internal/logging"
	"github.com/dpark2025/personal-pipeline/internal/mcpserver"
	"github.com/dpark2025/personal-pipeline/internal/models"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
	"github.com/dpark2025/personal-pipeline/internal/search"
	"github.com/dpark2025/personal-pipeline/internal/telemetry"
)

// initTimeout bounds one source's initial indexing pass.
const initTimeout = 5 * time.Minute

// defaultRefreshInterval is used when no source configures its own.
const defaultRefreshInterval = 5 * time.Minute

// documentSource is an adapter that can enumerate its indexed
// documents for the central engine.
type documentSource interface {
	adapter.Adapter
	Config() config.AdapterConfig
	Documents() []*models.Document
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: true,
	}
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		logCfg.Level = env
	}
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	defer logCleanup()
	slog.SetDefault(logger)

	ctx, interrupted, stop := signalContext(ctx)
	defer stop()

	metrics := telemetry.NewRecorder()

	embedder, err := buildEmbedder(ctx, cfg.Embeddings, logger)
	if err != nil {
		return err
	}
	defer embedder.Close()

	searchCache, err := buildCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer searchCache.Close()

	engine, err := search.NewEngine(search.Options{
		Config:   cfg.Search,
		Embedder: embedder,
		Cache:    searchCache,
		CacheTTL: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	registry := adapter.NewRegistry(logger, metrics)
	defer func() { _ = registry.Cleanup() }()

	sources, err := initSources(ctx, cfg.Sources, engine, registry, logger)
	if err != nil {
		return err
	}
	logger.Info("knowledge base ready",
		slog.Int("sources", len(sources)),
		slog.Int("documents", engine.DocumentCount()))

	feedback, err := mcpserver.NewFeedbackLog(cfg.Feedback.Dir)
	if err != nil {
		return err
	}

	dispatcher, err := mcpserver.NewDispatcher(engine, registry, feedback, metrics, logger)
	if err != nil {
		return err
	}

	if len(cfg.Cache.WarmupQueries) > 0 {
		go searchCache.Warmup(ctx, cfg.Cache.WarmupQueries, func(ctx context.Context, query string) error {
			_, err := engine.Search(ctx, query, nil, nil)
			return err
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	transport := strings.ToLower(cfg.Server.Transport)
	if transport == "" {
		transport = "both"
	}
	if transport == "stdio" || transport == "both" {
		mcpSrv, err := mcpserver.NewServer(dispatcher, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return mcpSrv.Run(gctx) })
	}
	if transport == "http" || transport == "both" {
		httpSrv, err := httpapi.NewServer(cfg.Server, dispatcher, engine, registry, searchCache, metrics, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return httpSrv.Run(gctx) })
	}

	g.Go(func() error {
		refreshLoop(gctx, sources, engine, registry, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	if interrupted.Load() {
		return errInterrupted
	}
	return nil
}

// loadConfig resolves the config path: flag, then CONFIG_FILE, then a
// local config.yaml, then built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// signalContext cancels the returned context on SIGINT or SIGTERM and
// records whether the cause was an interactive interrupt.
func signalContext(parent context.Context) (context.Context, *atomic.Bool, func()) {
	ctx, cancel := context.WithCancel(parent)
	interrupted := &atomic.Bool{}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			if sig == os.Interrupt {
				interrupted.Store(true)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, interrupted, func() {
		signal.Stop(ch)
		cancel()
	}
}

func buildEmbedder(ctx context.Context, cfg config.EmbeddingConfig, logger *slog.Logger) (embed.Embedder, error) {
	var inner embed.Embedder
	switch strings.ToLower(cfg.Provider) {
	case "", "static":
		inner = embed.NewStaticEmbedder(cfg.Dimensions)
	case "ollama":
		oe, err := embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			logger.Warn("ollama unavailable; using static embeddings",
				slog.String("error", err.Error()))
			inner = embed.NewStaticEmbedder(cfg.Dimensions)
		} else {
			inner = oe
		}
	default:
		return nil, pperrors.Newf(pperrors.KindConfig, "unknown embeddings provider %q", cfg.Provider)
	}
	return embed.NewCachedEmbedder(inner, cfg.CacheSize), nil
}

func buildCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*cache.SearchCache, error) {
	opts := cache.Options{
		MaxKeys:           cfg.MaxKeys,
		MemoryThresholdMB: cfg.MemoryThresholdMB,
		Compression:       cfg.Compression,
		SweepInterval:     time.Duration(cfg.SweepIntervalSec) * time.Second,
		Logger:            logger,
	}
	if cfg.Tier2.Enabled {
		tier2, err := cache.NewRedisTier2(ctx, cache.RedisOptions{
			Address:        cfg.Tier2.Address,
			PasswordEnvVar: cfg.Tier2.PasswordEnvVar,
			DB:             cfg.Tier2.DB,
			KeyPrefix:      cfg.Tier2.KeyPrefix,
		})
		if err != nil {
			logger.Warn("tier-2 cache unavailable; serving with tier 1 only",
				slog.String("error", err.Error()))
		} else {
			opts.Tier2 = tier2
		}
	}
	return cache.New(opts)
}

func buildAdapter(cfg config.AdapterConfig, logger *slog.Logger) (documentSource, error) {
	switch strings.ToLower(cfg.Type) {
	case "file":
		return fileadapter.New(cfg, logger)
	case "http":
		return webadapter.New(cfg, logger)
	case "repo":
		return repoadapter.New(cfg, logger)
	case "wiki":
		return wikiadapter.New(cfg, logger)
	case "database":
		return dbadapter.New(cfg, logger)
	default:
		return nil, pperrors.Newf(pperrors.KindConfig, "source %q: unknown type %q", cfg.Name, cfg.Type)
	}
}

// initSources builds, initializes, and registers every enabled source.
// Construction errors are fatal; a source whose initialization fails is
// registered degraded so health probes report it while the rest of the
// fan-out keeps working.
func initSources(ctx context.Context, configs []config.AdapterConfig, engine *search.Engine, registry *adapter.Registry, logger *slog.Logger) ([]documentSource, error) {
	var sources []documentSource
	for _, sc := range configs {
		if !sc.IsEnabled() {
			logger.Info("source disabled", slog.String("source", sc.Name))
			continue
		}

		a, err := buildAdapter(sc, logger)
		if err != nil {
			return nil, err
		}

		initCtx, cancel := context.WithTimeout(ctx, initTimeout)
		err = a.Initialize(initCtx)
		cancel()
		if err != nil {
			logger.Error("source initialization failed; registering degraded",
				slog.String("source", sc.Name),
				slog.String("kind", string(pperrors.KindOf(err))),
				slog.String("error", err.Error()))
			if rerr := registry.Register(adapter.NewDegraded(a, err)); rerr != nil {
				return nil, rerr
			}
			continue
		}

		if err := registry.Register(a); err != nil {
			return nil, err
		}
		engine.SetSourcePriority(a.Name(), sc.Priority)
		if err := engine.IndexDocuments(ctx, a.Documents()); err != nil {
			logger.Error("indexing failed for source",
				slog.String("source", sc.Name),
				slog.String("error", err.Error()))
		}
		sources = append(sources, a)
	}
	return sources, nil
}

// refreshLoop periodically refreshes adapter indexes and reconciles
// the engine's document set with each source.
func refreshLoop(ctx context.Context, sources []documentSource, engine *search.Engine, registry *adapter.Registry, logger *slog.Logger) {
	if len(sources) == 0 {
		return
	}

	interval := defaultRefreshInterval
	for _, src := range sources {
		if raw := src.Config().RefreshInterval; raw != "" {
			if d, err := time.ParseDuration(raw); err == nil && d > 0 && d < interval {
				interval = d
			}
		}
	}

	known := make(map[string]map[string]bool, len(sources))
	for _, src := range sources {
		known[src.Name()] = idSet(src.Documents())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		registry.RefreshAll(ctx, false)
		for _, src := range sources {
			docs := src.Documents()
			current := idSet(docs)

			var removed []string
			for id := range known[src.Name()] {
				if !current[id] {
					removed = append(removed, id)
				}
			}
			if len(removed) > 0 {
				if err := engine.RemoveDocuments(removed...); err != nil {
					logger.Warn("stale document removal failed",
						slog.String("source", src.Name()),
						slog.String("error", err.Error()))
				}
			}
			if err := engine.IndexDocuments(ctx, docs); err != nil {
				logger.Warn("re-index failed",
					slog.String("source", src.Name()),
					slog.String("error", err.Error()))
			}
			known[src.Name()] = current
		}
	}
}

func idSet(docs []*models.Document) map[string]bool {
	set := make(map[string]bool, len(docs))
	for _, d := range docs {
		set[d.ID] = true
	}
	return set
}
