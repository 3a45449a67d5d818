// Package pipeline runs the sync, build and collect stages over all
// configured repositories.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	slogcontext "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/pluginregistry/server/internal/domain"
	"github.com/pluginregistry/server/internal/gitstore"
)

// Stage names used in logs and metrics
const (
	StageSync    = "sync"
	StageBuild   = "build"
	StageCollect = "collect"
)

// ErrDuplicateWorkingCopy is reported for a repository whose working copy
// directory is already claimed by an earlier repository in the list.
var ErrDuplicateWorkingCopy = errors.New("working copy collides with another repository")

// ErrNotStarted is reported for a repository whose task had not started when
// the run was cancelled.
var ErrNotStarted = errors.New("run cancelled before the task started")

// Builder builds one synced repository
type Builder interface {
	BuildRepository(ctx context.Context, repo domain.SourceRepository) domain.BuildResult
}

// Collector copies one built repository's output into the artifact tree
type Collector interface {
	Collect(ctx context.Context, repo domain.SourceRepository) domain.CollectResult
}

// Pipeline runs sync -> build -> collect. Within a stage repositories run
// concurrently on a bounded pool; a stage starts only after the previous one
// has finished for every repository.
type Pipeline struct {
	syncer     gitstore.Syncer
	builder    Builder
	collector  Collector
	syncLimit  int
	buildLimit int
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Config holds pipeline configuration
type Config struct {
	Syncer       gitstore.Syncer
	Builder      Builder
	Collector    Collector
	SyncWorkers  int
	BuildWorkers int
	Logger       *slog.Logger
}

// New creates a pipeline
func New(cfg Config) (*Pipeline, error) {
	if cfg.Syncer == nil || cfg.Builder == nil || cfg.Collector == nil {
		return nil, errors.New("syncer, builder and collector are required")
	}
	if cfg.SyncWorkers <= 0 {
		cfg.SyncWorkers = 4
	}
	if cfg.BuildWorkers <= 0 {
		cfg.BuildWorkers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		syncer:     cfg.Syncer,
		builder:    cfg.Builder,
		collector:  cfg.Collector,
		syncLimit:  cfg.SyncWorkers,
		buildLimit: cfg.BuildWorkers,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("plugin-registry/pipeline"),
	}, nil
}

// Run syncs, builds and collects every repository. Per-repository failures
// are logged and recorded in the report; they never stop other repositories.
// Cancelling ctx prevents further tasks and the next stage from starting;
// tasks already launched run to completion or to their own timeout.
func (p *Pipeline) Run(ctx context.Context, repos []domain.SourceRepository) *Report {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("repositories", len(repos)),
	))
	defer span.End()

	report := &Report{StartedAt: time.Now()}
	defer func() { report.FinishedAt = time.Now() }()

	repos, dups := dedupe(repos)
	for _, repo := range dups {
		res := domain.SyncResult{Repo: repo, Err: fmt.Errorf("%w: %s", ErrDuplicateWorkingCopy, repo.LocalPath)}
		p.logFailure(StageSync, repo, res.Err)
		report.Sync = append(report.Sync, res)
	}

	synced := p.syncStage(ctx, repos, report)
	if p.stopped(ctx, StageBuild) {
		return report
	}

	built := p.buildStage(ctx, synced, report)
	if p.stopped(ctx, StageCollect) {
		return report
	}

	p.collectStage(ctx, built, report)

	p.logger.Info("pipeline finished",
		"repositories", len(repos)+len(dups),
		"synced", report.Count(StageSync),
		"built", report.Count(StageBuild),
		"skipped", report.Skipped(),
		"collected", report.Count(StageCollect),
		"failed", len(report.Failures()),
		"duration", time.Since(report.StartedAt),
	)
	return report
}

func (p *Pipeline) syncStage(ctx context.Context, repos []domain.SourceRepository, report *Report) []domain.SourceRepository {
	ctx, span := p.tracer.Start(ctx, "pipeline.sync")
	defer span.End()

	results := make([]domain.SyncResult, len(repos))
	skipped := fanOut(ctx, p.syncLimit, repos, p.logger, func(ctx context.Context, i int, repo domain.SourceRepository) {
		results[i] = p.syncer.Sync(ctx, repo)
	})
	for i, repo := range repos {
		if skipped[i] != nil {
			results[i] = domain.SyncResult{Err: skipped[i]}
		}
		results[i].Repo = repo
	}

	var ok []domain.SourceRepository
	for _, res := range results {
		report.Sync = append(report.Sync, res)
		if !res.OK() {
			p.logFailure(StageSync, res.Repo, res.Err, "action", res.Action)
			continue
		}
		p.logger.Info("repository synced", "repo", res.Repo.Name(), "action", res.Action, "commit", res.Commit)
		ok = append(ok, res.Repo)
	}
	return ok
}

func (p *Pipeline) buildStage(ctx context.Context, repos []domain.SourceRepository, report *Report) []domain.SourceRepository {
	ctx, span := p.tracer.Start(ctx, "pipeline.build")
	defer span.End()

	results := make([]domain.BuildResult, len(repos))
	skipped := fanOut(ctx, p.buildLimit, repos, p.logger, func(ctx context.Context, i int, repo domain.SourceRepository) {
		results[i] = p.builder.BuildRepository(ctx, repo)
	})
	for i, repo := range repos {
		if skipped[i] != nil {
			results[i] = domain.BuildResult{ExitCode: -1, Err: skipped[i]}
		}
		results[i].Repo = repo
	}

	var ok []domain.SourceRepository
	for _, res := range results {
		report.Build = append(report.Build, res)
		switch {
		case res.Skipped:
		case res.Err != nil:
			p.logFailure(StageBuild, res.Repo, res.Err, "exit_code", res.ExitCode)
		default:
			p.logger.Info("build succeeded", "repo", res.Repo.Name(), "duration", res.Duration)
			ok = append(ok, res.Repo)
		}
	}
	return ok
}

// collectStage runs in repository name order: two repositories may produce
// the same plugin folder, and the later one must win every time.
func (p *Pipeline) collectStage(ctx context.Context, repos []domain.SourceRepository, report *Report) {
	ctx, span := p.tracer.Start(ctx, "pipeline.collect")
	defer span.End()

	ordered := append([]domain.SourceRepository(nil), repos...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name() < ordered[j].Name() })

	taskCtx := context.WithoutCancel(ctx)
	for _, repo := range ordered {
		var res domain.CollectResult
		if err := ctx.Err(); err != nil {
			res.Err = fmt.Errorf("%w: %w", ErrNotStarted, err)
		} else {
			res = p.collector.Collect(repoContext(taskCtx, p.logger, repo), repo)
		}
		res.Repo = repo
		report.Collect = append(report.Collect, res)
		if !res.OK() {
			p.logFailure(StageCollect, repo, res.Err)
			continue
		}
		p.logger.Info("artifacts collected", "repo", repo.Name(), "plugin", res.Plugin, "files", len(res.Files))
	}
}

func (p *Pipeline) stopped(ctx context.Context, next string) bool {
	if err := ctx.Err(); err != nil {
		p.logger.Warn("pipeline cancelled", "next_stage", next, "error", err)
		return true
	}
	return false
}

func (p *Pipeline) logFailure(stage string, repo domain.SourceRepository, err error, args ...any) {
	attrs := append([]any{"stage", stage, "repo", repo.Name(), "url", repo.URL, "error", err}, args...)
	p.logger.Error("repository excluded from this run", attrs...)
}

// fanOut calls fn for every repository on at most limit goroutines and waits
// for all of them. Tasks report through their own result slot, so one
// failure never cancels the others. fn runs detached from ctx's
// cancellation; once ctx is done, tasks that have not started are skipped
// and their slot in the returned slice holds the reason.
func fanOut(ctx context.Context, limit int, repos []domain.SourceRepository, logger *slog.Logger, fn func(context.Context, int, domain.SourceRepository)) []error {
	taskCtx := context.WithoutCancel(ctx)
	skipped := make([]error, len(repos))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, repo := range repos {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				skipped[i] = fmt.Errorf("%w: %w", ErrNotStarted, err)
				return nil
			}
			fn(repoContext(taskCtx, logger, repo), i, repo)
			return nil
		})
	}
	_ = g.Wait()
	return skipped
}

// repoContext binds a repository-scoped logger to ctx
func repoContext(ctx context.Context, logger *slog.Logger, repo domain.SourceRepository) context.Context {
	return slogcontext.NewCtx(ctx, logger.With("repo", repo.Name()))
}

// dedupe drops repositories whose working copy directory is already taken.
func dedupe(repos []domain.SourceRepository) (kept, dups []domain.SourceRepository) {
	seen := make(map[string]bool, len(repos))
	for _, repo := range repos {
		if seen[repo.LocalPath] {
			dups = append(dups, repo)
			continue
		}
		seen[repo.LocalPath] = true
		kept = append(kept, repo)
	}
	return kept, dups
}
