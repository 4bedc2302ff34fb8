package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"landscape/internal/breaker"
	"landscape/internal/cache"
	"landscape/internal/logging"
	"landscape/internal/pipeline"
	"landscape/internal/providers"
	"landscape/internal/quota"
	"landscape/internal/scrape"
	"landscape/internal/server"
	"landscape/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daemon",
	Long: `Starts the HTTP control surface, the daily scheduler, the watchdog,
and the channel resolver, and recovers any runs stranded by a previous
process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	st, err := store.Open(cfg.Store.Path, logging.Named(logger, logging.ComponentStore))
	if err != nil {
		return err
	}
	defer st.Close()

	var c cache.Cache
	switch cfg.Cache.Backend {
	case "", "memory":
		c = cache.NewMemory()
	case "redis":
		rc, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, "", "landscape", cfg.Cache.RedisDB)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		c = rc
	default:
		return fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}

	breakers, err := breaker.NewRegistry(ctx, cfg, st, logging.Named(logger, logging.ComponentBreaker))
	if err != nil {
		return err
	}

	llm, err := providers.NewLLMClient(ctx, cfg.Providers.LLM)
	if err != nil {
		return err
	}
	var scraper providers.ScraperClient
	if cfg.Providers.Scraper.BaseURL != "" {
		scraper = providers.NewScraperHTTP(cfg.Providers.Scraper)
	} else {
		logger.Info("no scraper service configured, using local extraction")
		scraper = scrape.NewLocal(cfg.Providers.Scraper.Timeout)
	}

	deps := &pipeline.Deps{
		Store:       st,
		Cache:       c,
		Breakers:    breakers,
		Quota:       quota.NewManager(cfg.Quota, c, st, logging.Named(logger, logging.ComponentQuota)),
		Cfg:         cfg,
		Logger:      logger,
		KeywordData: providers.NewKeywordDataHTTP(cfg.Providers.KeywordData),
		Search:      providers.NewSearchHTTP(cfg.Providers.Search),
		Company:     providers.NewCompanyHTTP(cfg.Providers.Company),
		Video:       providers.NewVideoHTTP(cfg.Providers.Video),
		Scraper:     scraper,
		LLM:         llm,
	}

	orch := pipeline.NewOrchestrator(deps)
	coord := pipeline.NewCoordinator(deps, orch)
	watchdog := pipeline.NewWatchdog(deps, orch, coord)
	resolver := pipeline.NewResolver(deps)
	scheduler := pipeline.NewScheduler(deps, orch)
	srv := server.New(deps, orch, coord)

	if err := scheduler.Recover(ctx); err != nil {
		logger.Warn("restart recovery failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	g.Go(func() error { watchdog.Run(ctx); return nil })
	g.Go(func() error { resolver.Run(ctx); return nil })
	g.Go(func() error { scheduler.Run(ctx); return nil })

	logger.Info("landscape daemon started",
		zap.String("listen", cfg.Server.Listen),
		zap.String("store", cfg.Store.Path))
	return g.Wait()
}
