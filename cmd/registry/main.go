package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pluginregistry/server/internal/api"
	"github.com/pluginregistry/server/internal/config"
	"github.com/pluginregistry/server/internal/middleware"
	"github.com/pluginregistry/server/internal/pipeline"
)

func main() {
	// Initialize structured logger; the level is raised or lowered once the
	// configuration is loaded
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := newRootCmd(logger, level).Execute(); err != nil {
		logger.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar) *cobra.Command {
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "registry",
		Short:         "Build plugin repositories and serve the plugin catalog",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			level.Set(cfg.LogLevel)
			return nil
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Rebuild all repositories and serve the catalog over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg, logger)
		},
	}

	rebuild := &cobra.Command{
		Use:   "rebuild",
		Short: "Run one sync, build and collect pass and rescan the plugin tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(cmd.Context(), cfg, logger)
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Verify the version-control and build tools are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			if err := a.preflight(cmd.Context()); err != nil {
				return err
			}
			logger.Info("preflight passed")
			return nil
		},
	}

	root.AddCommand(serve, rebuild, check)
	// Running the binary without a subcommand serves
	root.RunE = serve.RunE

	return root
}

func runRebuild(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	if err := a.preflight(ctx); err != nil {
		return err
	}

	report, err := a.manager.RunOnce(ctx, "command")
	if err != nil {
		return err
	}

	snap := a.registry.Current()
	fmt.Printf("%d plugins published, %d repositories failed\n", snap.Len(), len(report.Failures()))
	for _, f := range report.Failures() {
		fmt.Printf("  %-8s %s: %v\n", f.Stage, f.Repo.Name(), f.Err)
	}
	if n := report.Count(pipeline.StageCollect); n == 0 && len(report.Failures()) > 0 {
		return errors.New("no repository was collected")
	}
	return nil
}

func runServe(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting plugin registry server",
		"repos_file", cfg.ReposFile,
		"repos_path", cfg.ReposPath,
		"plugins_path", cfg.PluginsPath,
		"vcs_backend", cfg.VCSBackend,
		"base_url", cfg.BaseURL,
		"rebuild_interval", cfg.RebuildInterval,
		"cache_size", cfg.CacheSize,
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	// Missing tools abort before any repository is touched
	preflightCtx, preflightCancel := context.WithTimeout(context.Background(), time.Minute)
	defer preflightCancel()
	if err := a.preflight(preflightCtx); err != nil {
		return err
	}

	// Publish whatever the plugin tree already holds so the catalog is
	// available while the first rebuild runs
	snap, err := a.registry.Scan(preflightCtx)
	if err != nil {
		return fmt.Errorf("failed to scan plugins: %w", err)
	}
	logger.Info("catalog loaded", "plugin_count", snap.Len())

	// Initialize observability
	shutdownTracer, err := middleware.InitTracer(cfg.OTLPEndpoint, api.Version)
	if err != nil {
		logger.Warn("failed to initialize tracer, continuing without tracing", "error", err)
	}

	// Initialize API router
	router := api.NewRouter(api.Config{
		Registry:      a.registry,
		SyncManager:   a.manager,
		Repositories:  a.repositories,
		WebhookSecret: cfg.WebhookSecret,
		Logger:        logger,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      middleware.Chain(router, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start rebuild manager
	syncCtx, syncCancel := context.WithCancel(context.Background())
	defer syncCancel()
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		a.manager.Start(syncCtx)
	}()

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the rebuild manager; launched git and build processes finish,
	// but no further task or stage starts
	syncCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	select {
	case <-syncDone:
	case <-shutdownCtx.Done():
		logger.Warn("rebuild still running at shutdown")
	}

	if shutdownTracer != nil {
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}

	logger.Info("server stopped gracefully")
	return nil
}
