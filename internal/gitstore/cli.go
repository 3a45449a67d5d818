package gitstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/pluginregistry/server/internal/command"
	"github.com/pluginregistry/server/internal/domain"
)

// CLI syncs working copies by running the git client binary.
type CLI struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// CLIConfig holds git client configuration
type CLIConfig struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewCLI creates a git client backed syncer
func NewCLI(cfg CLIConfig) *CLI {
	if cfg.Binary == "" {
		cfg.Binary = "git"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		binary:  cfg.Binary,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// noPrompt keeps git from waiting on a terminal for credentials.
var noPrompt = []string{"GIT_TERMINAL_PROMPT=0"}

// Check runs `git --version`
func (c *CLI) Check(ctx context.Context) error {
	res, err := command.Run(ctx, command.Spec{Name: c.binary, Args: []string{"--version"}}, 30*time.Second)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrToolUnavailable, err)
	}
	c.logger.Info("git found", "version", strings.TrimSpace(res.Stdout))
	return nil
}

// Sync clones or pulls one repository
func (c *CLI) Sync(ctx context.Context, repo domain.SourceRepository) domain.SyncResult {
	logger := slogcontext.FromCtx(ctx)
	result := domain.SyncResult{Repo: repo}

	action, err := ActionFor(repo)
	if err != nil {
		result.Err = err
		return result
	}
	result.Action = action

	var spec command.Spec
	switch action {
	case domain.SyncClone:
		if err := os.MkdirAll(filepath.Dir(repo.LocalPath), 0755); err != nil {
			result.Err = fmt.Errorf("failed to create parent directory: %w", err)
			return result
		}
		args := []string{"clone"}
		if repo.Branch != "" {
			args = append(args, "--branch", repo.Branch)
		}
		args = append(args, "--", repo.URL, repo.LocalPath)
		spec = command.Spec{Name: c.binary, Args: args, Env: noPrompt}
		logger.Info("cloning repository", "url", repo.URL, "path", repo.LocalPath)
	case domain.SyncPull:
		spec = command.Spec{Name: c.binary, Args: []string{"pull", "--ff-only"}, Dir: repo.LocalPath, Env: noPrompt}
		logger.Info("updating repository", "path", repo.LocalPath)
	}

	res, err := command.Run(ctx, spec, c.timeout)
	result.Output = res.Output()
	result.Duration = res.Duration
	if err != nil {
		result.Err = fmt.Errorf("git %s failed: %w", action, err)
		if action == domain.SyncClone {
			discardPartialClone(logger, repo.LocalPath)
		}
		return result
	}

	commit, err := HeadCommit(repo.LocalPath)
	if err != nil {
		logger.Debug("could not read HEAD", "error", err)
	}
	result.Commit = commit

	return result
}
