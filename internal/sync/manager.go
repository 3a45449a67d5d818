package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pluginregistry/server/internal/domain"
	"github.com/pluginregistry/server/internal/middleware"
	"github.com/pluginregistry/server/internal/pipeline"
	"github.com/pluginregistry/server/internal/registry"
)

// ErrRunInProgress is returned by RunOnce while another run is active
var ErrRunInProgress = errors.New("rebuild already in progress")

// Runner runs the sync, build and collect stages
type Runner interface {
	Run(ctx context.Context, repos []domain.SourceRepository) *pipeline.Report
}

// Publisher rescans the plugin-artifact tree and publishes the result
type Publisher interface {
	RecordSources(folderToURL map[string]string)
	Scan(ctx context.Context) (*registry.Snapshot, error)
}

// Manager runs full rebuilds: at startup, every interval, and on demand
type Manager struct {
	runner       Runner
	publisher    Publisher
	repositories func() ([]domain.SourceRepository, error)
	interval     time.Duration
	debounce     time.Duration
	logger       *slog.Logger

	triggerChan chan struct{}
	mu          sync.Mutex
	lastSync    time.Time
	lastRun     *domain.RunSummary
	repoCount   int
	syncing     bool
}

// Config holds rebuild manager configuration
type Config struct {
	Pipeline Runner
	Registry Publisher
	// Repositories is called at the start of every run, so edits to the
	// repository list apply to the next rebuild.
	Repositories func() ([]domain.SourceRepository, error)
	// Interval between periodic rebuilds; zero disables them.
	Interval time.Duration
	Debounce time.Duration
	Logger   *slog.Logger
}

// NewManager creates a new rebuild manager
func NewManager(cfg Config) *Manager {
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		runner:       cfg.Pipeline,
		publisher:    cfg.Registry,
		repositories: cfg.Repositories,
		interval:     cfg.Interval,
		debounce:     cfg.Debounce,
		logger:       cfg.Logger,
		triggerChan:  make(chan struct{}, 1),
	}
}

// Start runs one rebuild immediately, then waits for the ticker and for
// triggers until ctx is cancelled
func (m *Manager) Start(ctx context.Context) {
	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	m.logger.Info("rebuild manager started",
		"interval", m.interval,
		"debounce", m.debounce,
	)

	m.doRun(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("rebuild manager stopped")
			return

		case <-tick:
			m.doRun(ctx, "poll")

		case <-m.triggerChan:
			if !m.settle(ctx) {
				continue
			}
			m.doRun(ctx, "webhook")
		}
	}
}

// Trigger requests a rebuild. Triggers arriving while one is already pending
// collapse into it.
func (m *Manager) Trigger() {
	select {
	case m.triggerChan <- struct{}{}:
		m.logger.Debug("rebuild triggered")
	default:
		m.logger.Debug("rebuild already pending")
	}
}

// LastSyncTime returns when the last run finished
func (m *Manager) LastSyncTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// LastRun summarizes the last finished run, or nil before the first one
func (m *Manager) LastRun() *domain.RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRun == nil {
		return nil
	}
	s := *m.lastRun
	return &s
}

// RepositoryCount returns how many repositories the last run was given
func (m *Manager) RepositoryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.repoCount
}

// IsSyncing returns whether a run is in progress
func (m *Manager) IsSyncing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncing
}

// settle waits out the debounce window and absorbs triggers that arrive
// during it. It returns false if ctx ends first.
func (m *Manager) settle(ctx context.Context) bool {
	if m.debounce == 0 {
		return true
	}
	timer := time.NewTimer(m.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-m.triggerChan:
		case <-timer.C:
			return true
		}
	}
}

func (m *Manager) doRun(ctx context.Context, source string) {
	if _, err := m.RunOnce(ctx, source); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			m.logger.Debug("rebuild already in progress", "source", source)
			return
		}
		m.logger.Error("rebuild failed", "source", source, "error", err)
	}
}

// RunOnce loads the repository list, runs the pipeline and rescans the
// plugin-artifact tree. The scan starts only after collection has finished.
// Per-repository failures are in the report; the error is reserved for
// failures that stop the whole run.
func (m *Manager) RunOnce(ctx context.Context, source string) (*pipeline.Report, error) {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return nil, ErrRunInProgress
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	repos, err := m.repositories()
	if err != nil {
		return nil, fmt.Errorf("failed to load repositories: %w", err)
	}

	m.logger.Info("starting rebuild", "source", source, "repositories", len(repos))

	report := m.runner.Run(ctx, repos)
	middleware.PipelineRunDuration.Observe(report.Duration().Seconds())
	for _, f := range report.Failures() {
		middleware.PipelineRepositoryFailures.WithLabelValues(f.Stage).Inc()
	}

	m.publisher.RecordSources(report.Sources())

	// The scan runs even after a cancelled run: whatever was collected is
	// complete on disk.
	snap, err := m.publisher.Scan(context.WithoutCancel(ctx))
	if err != nil {
		middleware.CatalogScanErrors.Inc()
		m.finish(source, report, len(repos))
		return report, fmt.Errorf("failed to scan plugins: %w", err)
	}
	middleware.CatalogPlugins.Set(float64(snap.Len()))

	m.finish(source, report, len(repos))

	m.logger.Info("rebuild completed",
		"source", source,
		"plugin_count", snap.Len(),
		"failed", len(report.Failures()),
		"duration", report.Duration(),
	)
	return report, nil
}

func (m *Manager) finish(source string, report *pipeline.Report, repos int) {
	summary := &domain.RunSummary{
		Source:     source,
		StartedAt:  report.StartedAt.UTC().Format(time.RFC3339),
		DurationMS: report.Duration().Milliseconds(),
		Synced:     report.Count(pipeline.StageSync),
		Built:      report.Count(pipeline.StageBuild),
		Skipped:    report.Skipped(),
		Collected:  report.Count(pipeline.StageCollect),
		Failed:     len(report.Failures()),
	}

	m.mu.Lock()
	m.lastSync = time.Now()
	m.lastRun = summary
	m.repoCount = repos
	m.mu.Unlock()
}
