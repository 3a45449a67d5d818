package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/pluginregistry/server/internal/domain"
	"github.com/pluginregistry/server/internal/manifest"
)

var (
	// ErrNotFound means no plugin with that internal name (or no file of the
	// requested kind) was known at the last scan.
	ErrNotFound = errors.New("plugin not found")
	// ErrReadFailure means the file was known but could not be read now.
	ErrReadFailure = errors.New("plugin file unreadable")
)

// URLBuilder is the web server's URL-construction convention for the links
// embedded in catalog records.
type URLBuilder interface {
	DownloadURL(rec domain.PluginRecord) string
	IconURL(rec domain.PluginRecord) string
}

// Registry scans the plugin-artifact tree into immutable snapshots and serves
// artifact bytes. The current snapshot is swapped atomically, so readers
// never block on a scan and never see a partial catalog.
type Registry struct {
	root    string
	urls    URLBuilder
	decoder *manifest.Decoder
	logger  *slog.Logger
	now     func() time.Time

	current atomic.Pointer[Snapshot]
	sources atomic.Pointer[map[string]string]

	scanMu  sync.Mutex
	initial singleflight.Group

	cache       *lru.Cache[string, *Artifact]
	cacheSize   int
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// Config holds registry configuration
type Config struct {
	// Root is the canonical plugin-artifact tree.
	Root      string
	URLs      URLBuilder
	Decoder   *manifest.Decoder
	CacheSize int
	Logger    *slog.Logger
	// Now stamps LastUpdate; defaults to time.Now.
	Now func() time.Time
}

// New creates a new registry instance
func New(cfg Config) (*Registry, error) {
	if cfg.Root == "" {
		return nil, errors.New("plugin root is required")
	}
	if cfg.URLs == nil {
		return nil, errors.New("URL builder is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Decoder == nil {
		d, err := manifest.NewDecoder()
		if err != nil {
			return nil, err
		}
		cfg.Decoder = d
	}

	if err := os.MkdirAll(cfg.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugin root: %w", err)
	}

	cache, err := lru.New[string, *Artifact](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	return &Registry{
		root:      cfg.Root,
		urls:      cfg.URLs,
		decoder:   cfg.Decoder,
		logger:    cfg.Logger,
		now:       cfg.Now,
		cache:     cache,
		cacheSize: cfg.CacheSize,
	}, nil
}

// Root returns the plugin-artifact tree the registry scans
func (r *Registry) Root() string {
	return r.root
}

// RecordSources tells the registry which repository URL produced each plugin
// folder, merged over what earlier runs recorded. Records whose manifest has
// no RepoUrl get it from here on the next scan.
func (r *Registry) RecordSources(folderToURL map[string]string) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	m := make(map[string]string, len(folderToURL))
	if prev := r.sources.Load(); prev != nil {
		for k, v := range *prev {
			m[k] = v
		}
	}
	for k, v := range folderToURL {
		m[k] = v
	}
	r.sources.Store(&m)
}

// Scan reads the plugin-artifact tree, builds a new snapshot and publishes
// it. Scans are serialized; the previous snapshot stays published if the
// scan fails.
func (r *Registry) Scan(ctx context.Context) (*Snapshot, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	snap, err := r.scan(ctx)
	if err != nil {
		return nil, err
	}

	r.current.Store(snap)
	r.cache.Purge()

	r.logger.Info("catalog published",
		"plugin_count", snap.Len(),
		"digest", snap.Digest().String(),
	)
	return snap, nil
}

// Catalog returns the published snapshot, scanning first if nothing has been
// published yet. Concurrent first calls share one scan, which is detached
// from the cancellation of the caller that started it.
func (r *Registry) Catalog(ctx context.Context) (*Snapshot, error) {
	if snap := r.current.Load(); snap != nil {
		return snap, nil
	}

	v, err, _ := r.initial.Do("initial", func() (any, error) {
		if snap := r.current.Load(); snap != nil {
			return snap, nil
		}
		return r.Scan(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Current returns the published snapshot, or nil before the first scan
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// CacheStats returns current artifact cache statistics
func (r *Registry) CacheStats() *domain.CacheStats {
	hits := r.cacheHits.Load()
	misses := r.cacheMisses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return &domain.CacheStats{
		Size:     r.cache.Len(),
		Capacity: r.cacheSize,
		HitRate:  hitRate,
	}
}
