// Package app wires configuration into the services shared by the server and
// the CLI.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"siteaudit/internal/adapters/anthropic"
	"siteaudit/internal/adapters/pagespeed"
	pg "siteaudit/internal/adapters/postgres"
	redisadapter "siteaudit/internal/adapters/redis"
	"siteaudit/internal/config"
	"siteaudit/internal/logger"
	"siteaudit/internal/metrics"
	"siteaudit/internal/ports"
	"siteaudit/internal/retry"
	"siteaudit/internal/services/analysis"
	"siteaudit/internal/services/collector"
	"siteaudit/internal/services/orchestrator"
	"siteaudit/internal/services/usage"
)

// Options select which backing stores are mandatory.
type Options struct {
	RequireDatabase bool
	// SkipUsage builds no usage service, for admin-only tooling.
	SkipUsage bool
}

type App struct {
	Config       config.Config
	Logger       logger.Logger
	Metrics      *metrics.Recorder
	Registry     *prometheus.Registry
	DB           *pg.DB
	Redis        *goredis.Client
	Orchestrator *orchestrator.Service

	closers []func()
}

// New connects to Postgres (migrating it) and Redis when configured and builds
// the orchestrator with every collector and the model analyzer.
func New(ctx context.Context, cfg config.Config, log logger.Logger, opts Options) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &App{Config: cfg, Logger: log, Registry: reg, Metrics: metrics.New(reg)}

	if err := a.connect(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}

	model, err := anthropic.New(cfg.Model)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("model client: %w", err)
	}
	analyzer := analysis.New(model,
		analysis.WithRetry(retry.Config{MaxRetries: cfg.Audit.MaxRetries, BaseDelay: cfg.Audit.RetryBaseDelay}),
		analysis.WithLogger(log.With(logger.String("component", "analysis"))),
		analysis.WithMetrics(a.Metrics),
	)

	collectorOpts := []collector.Option{
		collector.WithLogger(log.With(logger.String("component", "collector"))),
		collector.WithMetrics(a.Metrics),
	}
	if cfg.Collector.Screenshots {
		collectorOpts = append(collectorOpts, collector.WithScreenshotter(collector.NewBrowserScreenshotter(cfg.Collector.UserAgent)))
	}

	deps := orchestrator.Dependencies{
		Collector:   collector.New(cfg.Collector, collectorOpts...),
		Prober:      collector.NewProbe(cfg.Collector.ProbeTimeout, cfg.Collector.UserAgent),
		Performance: pagespeed.New(cfg.PageSpeed, log.With(logger.String("component", "pagespeed"))),
		Analyzer:    analyzer,
	}
	if a.DB != nil {
		deps.Audits = a.DB
	}
	if !opts.SkipUsage {
		deps.Usage = a.usageService()
	}

	a.Orchestrator = orchestrator.New(deps, orchestrator.ConfigFrom(cfg),
		orchestrator.WithLogger(log.With(logger.String("component", "orchestrator"))),
		orchestrator.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) connect(ctx context.Context, opts Options) error {
	cfg := a.Config
	switch {
	case cfg.DatabaseURL != "":
		db, err := pg.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		if err := pg.Migrate(ctx, db); err != nil {
			return err
		}
	case opts.RequireDatabase:
		return config.ErrNoDatabase
	}

	if cfg.RedisURL != "" {
		client, err := redisadapter.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		a.Redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
	}
	return nil
}

// usageService needs Redis for monthly counters. Without it usage is not
// enforced and the server says so at startup.
func (a *App) usageService() ports.UsageService {
	if a.Redis == nil {
		a.Logger.Warn("REDIS_URL not set, usage limits are not enforced")
		return nil
	}
	var plans ports.PlanRepository
	if a.DB != nil {
		plans = a.DB
	}
	return usage.New(plans, redisadapter.NewUsageCounter(a.Redis), a.Config.Usage)
}

// Ready pings every configured backing store.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if a.DB != nil {
		if err := a.DB.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
