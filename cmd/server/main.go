package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "siteaudit/internal/adapters/http"
	"siteaudit/internal/app"
	"siteaudit/internal/config"
	"siteaudit/internal/logger"
	profsvc "siteaudit/internal/services/profiles"
	scansvc "siteaudit/internal/services/scanner"
	"siteaudit/internal/workers/auditrunner"
)

const (
	pollInterval    = 500 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "siteaudit: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{RequireDatabase: true})
	if err != nil {
		return err
	}
	defer a.Close()

	scanner := scansvc.New(a.Orchestrator, a.DB, a.DB)
	profiles := profsvc.New(a.DB)
	processor := auditrunner.NewAuditProcessor(a.Orchestrator, a.DB, log.With(logger.String("component", "auditrunner")))

	srv := httpadapter.New(a.Orchestrator, scanner, profiles, a.DB, processor, httpadapter.Options{
		AdminToken:     cfg.Usage.AdminToken,
		UpgradeURL:     cfg.Usage.UpgradeURL,
		ConnectTimeout: cfg.Audit.ConnectTimeout,
		RunTimeout:     cfg.Audit.RunTimeout,
	},
		httpadapter.WithLogger(log.With(logger.String("component", "http"))),
		httpadapter.WithMetrics(a.Metrics),
		httpadapter.WithReadiness(a.Ready),
	)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if cfg.AuditWorkers > 0 {
			log.Info("Audit workers started", logger.Int("workers", cfg.AuditWorkers))
			auditrunner.Run(ctx, a.DB, processor, cfg.AuditWorkers, pollInterval, log.With(logger.String("component", "auditrunner")))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	log.Info("Listening", logger.String("addr", cfg.ListenAddr), logger.String("env", cfg.Env))

	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", logger.Error(err))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Warn("Audit workers still running at shutdown")
	}
	return nil
}
