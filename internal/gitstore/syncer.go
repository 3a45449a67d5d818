// Package gitstore keeps local working copies of plugin source repositories
// in step with their upstreams.
package gitstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/go-git/go-git/v5"

	"github.com/pluginregistry/server/internal/domain"
)

// ErrToolUnavailable means the version-control client cannot be used.
// It is fatal at startup.
var ErrToolUnavailable = errors.New("version control tool unavailable")

// Syncer clones a repository when its working copy is absent and updates it in
// place otherwise. Sync never panics or returns partially: every failure is
// reported in the result so other repositories are unaffected.
type Syncer interface {
	// Check verifies the version-control tool is usable.
	Check(ctx context.Context) error
	// Sync brings one working copy up to date.
	Sync(ctx context.Context, repo domain.SourceRepository) domain.SyncResult
}

// ActionFor decides between clone and pull from the working copy's presence.
func ActionFor(repo domain.SourceRepository) (domain.SyncAction, error) {
	info, err := os.Stat(repo.LocalPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return domain.SyncClone, nil
	case err != nil:
		return "", fmt.Errorf("failed to stat working copy: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("working copy %s is not a directory", repo.LocalPath)
	default:
		return domain.SyncPull, nil
	}
}

// HeadCommit returns the commit checked out in the working copy at path.
func HeadCommit(path string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// discardPartialClone removes what an interrupted clone left at path. A clone
// only runs when path did not exist, so nothing else lives there.
func discardPartialClone(logger *slog.Logger, path string) {
	if err := os.RemoveAll(path); err != nil {
		logger.Warn("failed to remove partial clone", "path", path, "error", err)
	}
}
