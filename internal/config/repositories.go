package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pluginregistry/server/internal/domain"
)

// repositoryList is the YAML form of the repository list
type repositoryList struct {
	Repositories []domain.SourceRepository `yaml:"repositories"`
}

// LoadRepositories reads the repository list at path and places each working
// copy under reposRoot. A missing file is created empty. Plain files hold one
// URL per line; blank lines and lines starting with '#' are ignored. Files
// ending in .yaml or .yml hold a `repositories` list of {url, branch}.
// Duplicate URLs keep their first occurrence. URLs whose last path segment is
// not a usable directory name are logged and dropped.
func LoadRepositories(path, reposRoot string, logger *slog.Logger) ([]domain.SourceRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create repository list directory: %w", err)
		}
		if err := os.WriteFile(path, nil, 0644); err != nil {
			return nil, fmt.Errorf("failed to create repository list: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repository list: %w", err)
	}

	var entries []domain.SourceRepository
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var list repositoryList
		if err := yaml.Unmarshal(content, &list); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		entries = list.Repositories
	default:
		scanner := bufio.NewScanner(bytes.NewReader(content))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			entries = append(entries, domain.SourceRepository{URL: line})
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	seen := make(map[string]bool, len(entries))
	repos := make([]domain.SourceRepository, 0, len(entries))
	for _, e := range entries {
		url := strings.TrimSpace(e.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		if name := domain.RepoNameFromURL(url); !domain.ValidRepoName(name) {
			logger.Warn("ignoring repository with unusable directory name",
				"url", url,
				"name", name,
				"repos_file", path,
			)
			continue
		}
		repos = append(repos, domain.NewSourceRepository(url, e.Branch, reposRoot))
	}

	return repos, nil
}
