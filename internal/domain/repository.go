package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// SourceRepository is one configured upstream plus its local working copy.
// Identity is the URL.
type SourceRepository struct {
	URL       string `yaml:"url"`
	Branch    string `yaml:"branch,omitempty"`
	LocalPath string `yaml:"-"`
}

// NewSourceRepository places the working copy for url under root.
func NewSourceRepository(url, branch, root string) SourceRepository {
	return SourceRepository{
		URL:       url,
		Branch:    branch,
		LocalPath: filepath.Join(root, RepoNameFromURL(url)),
	}
}

// Name is the local directory name of the working copy.
func (r SourceRepository) Name() string {
	return filepath.Base(r.LocalPath)
}

// RepoNameFromURL derives the working copy directory name from the last path
// segment of a repository URL, with any ".git" suffix removed.
func RepoNameFromURL(url string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(url), "/")
	name := trimmed[strings.LastIndexAny(trimmed, "/:")+1:]
	if len(name) > 4 && strings.EqualFold(name[len(name)-4:], ".git") {
		name = name[:len(name)-4]
	}
	return name
}

// ValidRepoName reports whether name can be used as a working copy directory
// under the repositories root.
func ValidRepoName(name string) bool {
	return ValidInternalName(name) && !strings.HasPrefix(name, ".")
}

// SyncAction records what the version-control stage did with a repository.
type SyncAction string

const (
	SyncClone SyncAction = "clone"
	SyncPull  SyncAction = "pull"
)

// SyncResult is the outcome of syncing one repository.
type SyncResult struct {
	Repo     SourceRepository
	Action   SyncAction
	Commit   string
	Output   string
	Duration time.Duration
	Err      error
}

// OK reports whether the repository may proceed to the build stage.
func (r SyncResult) OK() bool { return r.Err == nil }

// BuildResult is the outcome of building one repository. A repository
// without a build descriptor is Skipped, which is not a failure.
type BuildResult struct {
	Repo       SourceRepository
	Descriptor string
	Skipped    bool
	ExitCode   int
	Output     string
	Duration   time.Duration
	Err        error
}

// OK reports whether the repository may proceed to artifact collection.
func (r BuildResult) OK() bool { return r.Err == nil && !r.Skipped }

// CollectResult is the outcome of copying one repository's build output into
// the plugin-artifact tree.
type CollectResult struct {
	Repo   SourceRepository
	Plugin string
	Files  []string
	Err    error
}

// OK reports whether the plugin folder was refreshed.
func (r CollectResult) OK() bool { return r.Err == nil }
