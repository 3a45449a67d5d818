package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pluginregistry/server/internal/api"
	"github.com/pluginregistry/server/internal/artifact"
	"github.com/pluginregistry/server/internal/build"
	"github.com/pluginregistry/server/internal/config"
	"github.com/pluginregistry/server/internal/domain"
	"github.com/pluginregistry/server/internal/github"
	"github.com/pluginregistry/server/internal/gitstore"
	"github.com/pluginregistry/server/internal/pipeline"
	"github.com/pluginregistry/server/internal/registry"
	"github.com/pluginregistry/server/internal/sync"
)

// webhookDebounce lets a burst of pushes settle into one rebuild
const webhookDebounce = 10 * time.Second

// app is the wired set of components every command works from
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	syncer   gitstore.Syncer
	builds   *build.Orchestrator
	registry *registry.Registry
	manager  *sync.Manager
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	syncer, err := newSyncer(cfg, logger)
	if err != nil {
		return nil, err
	}

	builds, err := build.NewOrchestrator(build.Config{
		Builder:        build.NewTool(cfg.BuildBinary, cfg.BuildTimeout),
		DescriptorGlob: cfg.DescriptorGlob,
		Configuration:  cfg.BuildConfiguration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create build orchestrator: %w", err)
	}

	collector, err := artifact.NewCollector(artifact.Config{
		Root:       cfg.PluginsPath,
		OutputPath: cfg.BuildOutputPath,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact collector: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Root:      collector.Root(),
		URLs:      api.NewURLs(cfg.BaseURL),
		CacheSize: cfg.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize registry: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Syncer:       syncer,
		Builder:      builds,
		Collector:    collector,
		SyncWorkers:  cfg.SyncWorkers,
		BuildWorkers: cfg.BuildWorkers,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		syncer:   syncer,
		builds:   builds,
		registry: reg,
	}
	a.manager = sync.NewManager(sync.Config{
		Pipeline:     pipe,
		Registry:     reg,
		Repositories: a.repositories,
		Interval:     cfg.RebuildInterval,
		Debounce:     webhookDebounce,
		Logger:       logger,
	})
	return a, nil
}

func newSyncer(cfg *config.Config, logger *slog.Logger) (gitstore.Syncer, error) {
	if cfg.VCSBackend == config.BackendCLI {
		return gitstore.NewCLI(gitstore.CLIConfig{
			Binary:  cfg.GitBinary,
			Timeout: cfg.SyncTimeout,
			Logger:  logger,
		}), nil
	}

	// Auth stays a nil interface when no app is configured
	var auth gitstore.TokenSource
	if cfg.GitHubAppConfigured() {
		ghAuth, err := github.NewAppAuth(cfg.GitHubAppID, cfg.GitHubAppPrivateKey, cfg.GitHubInstallationID)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GitHub App auth: %w", err)
		}
		auth = ghAuth
	}
	return gitstore.NewNative(gitstore.NativeConfig{
		Auth:    auth,
		Timeout: cfg.SyncTimeout,
		Logger:  logger,
	}), nil
}

func (a *app) repositories() ([]domain.SourceRepository, error) {
	return config.LoadRepositories(a.cfg.ReposFile, a.cfg.ReposPath, a.logger)
}

// preflight fails when the version-control or build tool is unusable
func (a *app) preflight(ctx context.Context) error {
	if err := a.syncer.Check(ctx); err != nil {
		return fmt.Errorf("version control unavailable: %w", err)
	}
	if err := a.builds.Check(ctx); err != nil {
		return fmt.Errorf("build tool unavailable: %w", err)
	}
	return nil
}
