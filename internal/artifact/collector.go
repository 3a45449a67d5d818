// Package artifact copies build output into the canonical plugin-artifact
// tree.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogcontext "github.com/veqryn/slog-context"

	"github.com/pluginregistry/server/internal/domain"
)

var (
	// ErrNoPluginFolder means the repository root has no plugin folder.
	ErrNoPluginFolder = errors.New("unable to locate plugin folder")
	// ErrNoOutputDir means the build left no compiled-output directory.
	ErrNoOutputDir = errors.New("build output directory not found")
)

// Collector copies each built repository's output into
// <Root>/<PluginFolder>/.
type Collector struct {
	root       string
	outputPath string
	logger     *slog.Logger
}

// Config holds collector configuration
type Config struct {
	// Root is the canonical plugin-artifact tree.
	Root string
	// OutputPath is the compiled-output directory relative to the plugin
	// folder; the plugin folder name is appended to it.
	OutputPath string
	Logger     *slog.Logger
}

// NewCollector creates an artifact collector
func NewCollector(cfg Config) (*Collector, error) {
	if cfg.Root == "" {
		return nil, errors.New("artifact root is required")
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join("bin", "x64", "Release")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}

	return &Collector{
		root:       cfg.Root,
		outputPath: filepath.FromSlash(cfg.OutputPath),
		logger:     cfg.Logger,
	}, nil
}

// Root returns the canonical plugin-artifact tree
func (c *Collector) Root() string {
	return c.root
}

// PluginFolder returns the first directory directly under the repository
// root whose name contains no dot, in lexicographic order.
func PluginFolder(repoDir string) (string, error) {
	entries, err := os.ReadDir(repoDir)
	if err != nil {
		return "", fmt.Errorf("failed to read repository: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() && !strings.Contains(entry.Name(), ".") {
			return entry.Name(), nil
		}
	}

	return "", ErrNoPluginFolder
}

// OutputDir returns where the build leaves the plugin's compiled files.
func (c *Collector) OutputDir(repoDir, plugin string) string {
	return filepath.Join(repoDir, plugin, c.outputPath, plugin)
}

// Collect copies every file of one repository's output directory into the
// plugin's artifact folder, overwriting files of the same name.
func (c *Collector) Collect(ctx context.Context, repo domain.SourceRepository) domain.CollectResult {
	logger := slogcontext.FromCtx(ctx)
	result := domain.CollectResult{Repo: repo}

	plugin, err := PluginFolder(repo.LocalPath)
	if err != nil {
		result.Err = err
		return result
	}
	result.Plugin = plugin

	source := c.OutputDir(repo.LocalPath, plugin)
	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		result.Err = fmt.Errorf("%w: %s", ErrNoOutputDir, source)
		return result
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		result.Err = fmt.Errorf("failed to read build output: %w", err)
		return result
	}

	dest := filepath.Join(c.root, plugin)
	if err := os.MkdirAll(dest, 0755); err != nil {
		result.Err = fmt.Errorf("failed to create plugin folder: %w", err)
		return result
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		target := filepath.Join(dest, entry.Name())
		if err := copyFile(filepath.Join(source, entry.Name()), target); err != nil {
			result.Err = fmt.Errorf("failed to copy %s: %w", entry.Name(), err)
			return result
		}
		logger.Debug("copied artifact", "file", entry.Name(), "to", target)
		result.Files = append(result.Files, entry.Name())
	}

	return result
}

// copyFile writes src to a temporary file beside dst and renames it over
// dst, so a concurrent reader sees either the old file or the new one.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
