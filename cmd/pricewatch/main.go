// Command pricewatch runs the price acquisition pipeline: scheduler,
// fetch orchestrators, proxy prober, and the admin HTTP API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pricewatch/adminapi"
	"github.com/hazyhaar/pricewatch/catalog"
	"github.com/hazyhaar/pricewatch/challenge"
	"github.com/hazyhaar/pricewatch/config"
	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/fetch"
	"github.com/hazyhaar/pricewatch/normalize"
	"github.com/hazyhaar/pricewatch/proxypool"
	"github.com/hazyhaar/pricewatch/ratelimit"
	"github.com/hazyhaar/pricewatch/scheduler"
	"github.com/hazyhaar/pricewatch/session"
	"github.com/hazyhaar/pricewatch/source"
)

func main() {
	configPath := env("CONFIG", "pricewatch.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Catalog DB: products and price history.
	catalogDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "catalog.db"),
		dbopen.WithMkdirAll(), dbopen.WithSchema(catalog.Schema))
	if err != nil {
		slog.Error("catalog db", "error", err)
		os.Exit(1)
	}
	defer catalogDB.Close()

	// State DB: sessions, dead letters, fetch log.
	stateDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "state.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(session.Schema),
		dbopen.WithSchema(scheduler.Schema))
	if err != nil {
		slog.Error("state db", "error", err)
		os.Exit(1)
	}
	defer stateDB.Close()

	// Proxy pool and prober.
	pool, err := proxypool.New(cfg.Proxy.Endpoints, proxypool.Config{
		DegradedAfter: cfg.Proxy.DegradedAfter,
		DeadAfter:     cfg.Proxy.DeadAfter,
		ProbeInterval: cfg.Proxy.ProbeInterval,
		ProbeURL:      cfg.Proxy.ProbeURL,
		DeadCooldown:  cfg.Proxy.DeadCooldown,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("proxy pool", "error", err)
		os.Exit(1)
	}
	// With no configured endpoints fetches run direct instead of failing on
	// an empty pool.
	var egress fetch.ProxySelector
	if pool.Size() > 0 {
		egress = pool
		go pool.RunProber(ctx)
	}

	// Rate limiter: one policy per source.
	policies := make([]ratelimit.Policy, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		policies = append(policies, ratelimit.Policy{
			Source:     src.Name,
			RatePerSec: src.RatePerSec,
			DailyCap:   src.DailyCap,
		})
	}
	limiter := ratelimit.New(policies)

	// Sessions.
	sessions := session.NewStore(stateDB)

	// Challenge solver: remote service first, wait-and-reload as fallback.
	var strategies []challenge.Strategy
	if cfg.Solver.ServiceURL != "" {
		strategies = append(strategies, &challenge.RemoteService{
			URL:    cfg.Solver.ServiceURL,
			APIKey: config.Credential(cfg.Solver.APIKeyEnv),
		})
	}
	strategies = append(strategies, &challenge.WaitAndReload{})
	solver := challenge.NewSolver(challenge.Config{
		StrategyTimeout: cfg.Solver.StrategyTimeout,
		Logger:          logger,
	}, strategies...)

	// One browser manager shared by all browser sources.
	browsers := source.NewBrowserManager(source.BrowserConfig{
		RemoteURL: cfg.Browser.RemoteURL,
		Headless:  cfg.Browser.Headless,
		Logger:    logger,
	})
	defer browsers.Close()

	// Normalization and reconciliation.
	normalizer := normalize.New(normalize.Config{
		AffiliateTag:     cfg.AffiliateTag,
		AffiliateDomains: cfg.AffiliateDomains,
		Logger:           logger,
	})
	catalogStore := catalog.NewStore(catalogDB)
	engine := catalog.NewEngine(catalogStore, nil, logger)

	// One pipeline per configured source.
	pipelines := make(map[string]scheduler.Pipeline, len(cfg.Sources))
	for _, src := range cfg.Sources {
		client, err := buildClient(src, cfg, pool, sessions, solver, browsers, logger)
		if err != nil {
			slog.Error("build source client", "source", src.Name, "error", err)
			os.Exit(1)
		}
		orch := fetch.New(fetch.Config{
			MaxAttempts:      cfg.Retry.MaxAttempts,
			Backoff:          fetch.ExponentialBackoff(cfg.Retry.BackoffBase, cfg.Retry.BackoffCap),
			ChallengeBackoff: fetch.ExponentialBackoff(cfg.Retry.ChallengeBase, cfg.Retry.ChallengeCap),
			AttemptTimeout:   cfg.Retry.AttemptTimeout,
			ReenqueueAfter:   cfg.Retry.ReenqueueAfter,
			AllowDirect:      cfg.Proxy.AllowDirect,
			Logger:           logger,
		}, limiter, egress, sessions, client)

		pipelines[src.Name] = scheduler.Pipeline{
			Runner: orch,
			Rules: normalize.Rules{
				Mapping:         src.Mapping,
				DefaultCurrency: src.DefaultCurrency,
			},
		}
	}

	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	}, stateDB, pipelines, normalizer, engine)

	go func() {
		if err := sched.Run(ctx); err != nil {
			slog.Error("scheduler", "error", err)
		}
	}()

	go maintenanceLoop(ctx, catalogStore, cfg)

	// Admin API.
	admin := adminapi.New(cfg.AdminAddr, sched, logger)
	go func() {
		if err := admin.ListenAndServe(); err != nil {
			slog.Error("admin api", "error", err)
			cancel()
		}
	}()

	slog.Info("pricewatch started",
		"sources", len(cfg.Sources), "workers", cfg.Workers,
		"proxies", pool.Size(), "admin", cfg.AdminAddr)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin shutdown", "error", err)
	}
	slog.Info("stopped")
}

// buildClient constructs the right client variant for one configured source.
func buildClient(src config.Source, cfg *config.Config, pool *proxypool.Pool,
	sessions *session.Store, solver *challenge.Solver,
	browsers *source.BrowserManager, logger *slog.Logger) (source.Client, error) {

	switch src.Kind {
	case config.KindAPI:
		return source.NewAPIClient(source.APIConfig{
			Source:     src.Name,
			Endpoint:   src.Endpoint,
			AccessKey:  config.Credential(src.AccessKeyEnv),
			SecretKey:  config.Credential(src.SecretKeyEnv),
			PartnerTag: src.PartnerTag,
			MaxItems:   src.MaxItems,
			Logger:     logger,
		}, pool, sessions), nil
	default:
		return source.NewBrowserClient(source.BrowserClientConfig{
			Source:       src.Name,
			Endpoint:     src.Endpoint,
			Selectors:    src.Selectors,
			ItemSelector: src.ItemSelector,
			NavTimeout:   cfg.Browser.NavTimeout,
			Logger:       logger,
		}, browsers, pool, sessions, solver), nil
	}
}

// maintenanceLoop flags products unseen for 7 days and trims price history
// past 365 days, once per hour.
func maintenanceLoop(ctx context.Context, store *catalog.Store, cfg *config.Config) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, src := range cfg.Sources {
			n, err := store.MarkStale(ctx, src.Name, time.Now().Add(-7*24*time.Hour))
			if err != nil {
				slog.Warn("mark stale", "source", src.Name, "error", err)
			} else if n > 0 {
				slog.Info("marked stale products", "source", src.Name, "count", n)
			}
		}
		if n, err := store.PruneHistory(ctx, time.Now().Add(-365*24*time.Hour)); err != nil {
			slog.Warn("prune history", "error", err)
		} else if n > 0 {
			slog.Info("pruned price history", "rows", n)
		}
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
