package gitstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/pluginregistry/server/internal/domain"
)

// TokenSource supplies short-lived access tokens for HTTPS remotes
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Native syncs working copies in-process with go-git, so no git binary is
// needed on the host.
type Native struct {
	auth    TokenSource
	timeout time.Duration
	logger  *slog.Logger
}

// NativeConfig holds go-git syncer configuration
type NativeConfig struct {
	// Auth is optional; without it remotes are accessed anonymously.
	Auth    TokenSource
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewNative creates an in-process syncer
func NewNative(cfg NativeConfig) *Native {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Native{
		auth:    cfg.Auth,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Check verifies credentials can be minted when auth is configured
func (n *Native) Check(ctx context.Context) error {
	n.logger.Info("using in-process git", "authenticated", n.auth != nil)
	if n.auth == nil {
		return nil
	}
	if _, err := n.auth.Token(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrToolUnavailable, err)
	}
	return nil
}

// Sync clones or pulls one repository
func (n *Native) Sync(ctx context.Context, repo domain.SourceRepository) (result domain.SyncResult) {
	logger := slogcontext.FromCtx(ctx)
	result = domain.SyncResult{Repo: repo}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	action, err := ActionFor(repo)
	if err != nil {
		result.Err = err
		return result
	}
	result.Action = action

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	auth, err := n.getAuth(ctx)
	if err != nil {
		result.Err = fmt.Errorf("failed to get auth: %w", err)
		return result
	}

	switch action {
	case domain.SyncClone:
		logger.Info("cloning repository", "url", repo.URL, "path", repo.LocalPath)
		err = n.clone(ctx, repo, auth)
	case domain.SyncPull:
		logger.Info("updating repository", "path", repo.LocalPath)
		err = n.pull(ctx, repo, auth)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w (timeout %s)", err, n.timeout)
		}
		result.Err = fmt.Errorf("git %s failed: %w", action, err)
		if action == domain.SyncClone {
			discardPartialClone(logger, repo.LocalPath)
		}
		return result
	}

	commit, err := HeadCommit(repo.LocalPath)
	if err != nil {
		result.Err = fmt.Errorf("failed to get current commit: %w", err)
		return result
	}
	result.Commit = commit

	return result
}

func (n *Native) clone(ctx context.Context, repo domain.SourceRepository, auth transport.AuthMethod) error {
	if err := os.MkdirAll(filepath.Dir(repo.LocalPath), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	opts := &git.CloneOptions{
		URL:  repo.URL,
		Auth: auth,
	}
	if repo.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(repo.Branch)
		opts.SingleBranch = true
	}

	_, err := git.PlainCloneContext(ctx, repo.LocalPath, false, opts)
	return err
}

func (n *Native) pull(ctx context.Context, repo domain.SourceRepository, auth transport.AuthMethod) error {
	r, err := git.PlainOpen(repo.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open working copy: %w", err)
	}

	worktree, err := r.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	opts := &git.PullOptions{
		RemoteName: "origin",
		Auth:       auth,
	}
	if repo.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(repo.Branch)
	}

	err = worktree.PullContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

func (n *Native) getAuth(ctx context.Context) (transport.AuthMethod, error) {
	if n.auth == nil {
		return nil, nil
	}

	token, err := n.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	return &http.BasicAuth{
		Username: "x-access-token",
		Password: token,
	}, nil
}
