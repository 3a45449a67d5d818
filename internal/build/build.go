// Package build compiles synced plugin repositories with an external build
// tool.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/pluginregistry/server/internal/command"
	"github.com/pluginregistry/server/internal/domain"
)

var (
	// ErrNoDescriptor means the repository root holds no build descriptor.
	ErrNoDescriptor = errors.New("no build descriptor found")
	// ErrToolUnavailable means the build tool cannot be run.
	ErrToolUnavailable = errors.New("build tool unavailable")
)

// Builder invokes a build tool against one descriptor.
type Builder interface {
	Check(ctx context.Context) error
	Build(ctx context.Context, descriptor, configuration string) domain.BuildResult
}

// Tool runs `<binary> build <descriptor> --configuration <configuration>`.
type Tool struct {
	binary  string
	timeout time.Duration
}

// NewTool creates a build tool runner
func NewTool(binary string, timeout time.Duration) *Tool {
	if binary == "" {
		binary = "dotnet"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Tool{binary: binary, timeout: timeout}
}

// Check runs `<binary> --version`
func (t *Tool) Check(ctx context.Context) error {
	if _, err := command.Run(ctx, command.Spec{Name: t.binary, Args: []string{"--version"}}, time.Minute); err != nil {
		return fmt.Errorf("%w: %w", ErrToolUnavailable, err)
	}
	return nil
}

// Build runs the tool and captures its output and exit status
func (t *Tool) Build(ctx context.Context, descriptor, configuration string) domain.BuildResult {
	spec := command.Spec{
		Name: t.binary,
		Args: []string{"build", descriptor, "--configuration", configuration},
		Dir:  filepath.Dir(descriptor),
	}

	res, err := command.Run(ctx, spec, t.timeout)
	return domain.BuildResult{
		Descriptor: descriptor,
		ExitCode:   res.ExitCode,
		Output:     res.Output(),
		Duration:   res.Duration,
		Err:        err,
	}
}

// Orchestrator finds each repository's build descriptor and builds it.
type Orchestrator struct {
	builder       Builder
	pattern       glob.Glob
	configuration string
}

// Config holds orchestrator configuration
type Config struct {
	Builder Builder
	// DescriptorGlob matches descriptor file names at the repository root.
	DescriptorGlob string
	Configuration  string
}

// NewOrchestrator creates a build orchestrator
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Builder == nil {
		return nil, errors.New("builder is required")
	}
	if cfg.DescriptorGlob == "" {
		cfg.DescriptorGlob = "*.sln"
	}
	if cfg.Configuration == "" {
		cfg.Configuration = "Release"
	}

	pattern, err := glob.Compile(cfg.DescriptorGlob)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor pattern %q: %w", cfg.DescriptorGlob, err)
	}

	return &Orchestrator{
		builder:       cfg.Builder,
		pattern:       pattern,
		configuration: cfg.Configuration,
	}, nil
}

// Check verifies the build tool is usable
func (o *Orchestrator) Check(ctx context.Context) error {
	return o.builder.Check(ctx)
}

// FindDescriptor returns the first matching regular file directly inside
// dir. Entries are visited in lexicographic order, so with several
// descriptors the choice is stable across platforms.
func (o *Orchestrator) FindDescriptor(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read repository: %w", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if o.pattern.Match(entry.Name()) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}

	return "", ErrNoDescriptor
}

// BuildRepository builds one synced repository. A repository without a
// descriptor comes back Skipped rather than failed.
func (o *Orchestrator) BuildRepository(ctx context.Context, repo domain.SourceRepository) domain.BuildResult {
	logger := slogcontext.FromCtx(ctx)

	descriptor, err := o.FindDescriptor(repo.LocalPath)
	if errors.Is(err, ErrNoDescriptor) {
		logger.Info("no build descriptor found, skipping")
		return domain.BuildResult{Repo: repo, Skipped: true}
	}
	if err != nil {
		return domain.BuildResult{Repo: repo, Err: err}
	}

	logger.Info("building", "descriptor", filepath.Base(descriptor), "configuration", o.configuration)

	result := o.builder.Build(ctx, descriptor, o.configuration)
	result.Repo = repo
	result.Descriptor = descriptor
	return result
}

var _ Builder = (*Tool)(nil)
