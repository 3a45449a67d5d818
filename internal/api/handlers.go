package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opencontainers/go-digest"

	"github.com/pluginregistry/server/internal/domain"
	"github.com/pluginregistry/server/internal/middleware"
	"github.com/pluginregistry/server/internal/registry"
	"github.com/pluginregistry/server/internal/sync"
)

// Build information (set at compile time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Handlers provides HTTP handlers for the API
type Handlers struct {
	registry *registry.Registry
	manager  *sync.Manager
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(reg *registry.Registry, manager *sync.Manager, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		registry: reg,
		manager:  manager,
		logger:   logger,
	}
}

// Catalog returns the published plugin list
func (h *Handlers) Catalog(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Catalog(r.Context())
	if err != nil {
		h.logger.Error("failed to load catalog", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Service Unavailable",
			"Plugin catalog is not available yet.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag(snap.Digest()))
	http.ServeContent(w, r, "", snap.CreatedAt(), bytes.NewReader(snap.JSON()))
}

// Archive returns a plugin's installable archive
func (h *Handlers) Archive(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, domain.ArtifactArchive)
}

// Icon returns a plugin's icon
func (h *Handlers) Icon(w http.ResponseWriter, r *http.Request) {
	h.serveArtifact(w, r, domain.ArtifactIcon)
}

func (h *Handlers) serveArtifact(w http.ResponseWriter, r *http.Request, kind domain.ArtifactKind) {
	name := chi.URLParam(r, "internalName")
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}

	art, err := h.registry.ArtifactBytes(name, kind)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		h.logger.Debug("plugin file not found", "internal_name", name, "kind", kind.String())
		writeError(w, http.StatusNotFound, "Not Found", "Plugin not found: "+name)
		return
	case errors.Is(err, registry.ErrReadFailure):
		h.logger.Warn("plugin file unreadable", "internal_name", name, "kind", kind.String(), "error", err)
		writeError(w, http.StatusNotFound, "Not Found", "Plugin not available: "+name)
		return
	case err != nil:
		h.logger.Error("failed to read plugin file", "internal_name", name, "kind", kind.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error", "")
		return
	}

	middleware.ArtifactDownloads.WithLabelValues(kind.String()).Inc()
	if art.Cached {
		middleware.ArtifactCacheHits.Inc()
	} else {
		middleware.ArtifactCacheMisses.Inc()
	}

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("ETag", etag(art.Digest))
	http.ServeContent(w, r, "", art.ModTime, bytes.NewReader(art.Data))
}

// Health returns health check information
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := domain.HealthResponse{
		Status:       "ok",
		Repositories: h.manager.RepositoryCount(),
		Syncing:      h.manager.IsSyncing(),
		LastRun:      h.manager.LastRun(),
		CacheStats:   h.registry.CacheStats(),
	}

	if snap := h.registry.Current(); snap != nil {
		resp.PluginCount = snap.Len()
		resp.LastScanAt = snap.CreatedAt().UTC().Format(time.RFC3339)
	} else {
		resp.Status = "starting"
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ping returns a simple pong response
func (h *Handlers) Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.PingResponse{Pong: true})
}

// Version returns build version information
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	version := Version
	commit := GitCommit
	buildTime := BuildTime

	// Try to get from build info if not set
	if info, ok := debug.ReadBuildInfo(); ok && version == "dev" {
		version = info.Main.Version
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				buildTime = setting.Value
			}
		}
	}

	writeJSON(w, http.StatusOK, domain.VersionResponse{
		Version:   version,
		GitCommit: commit,
		BuildTime: buildTime,
	})
}

// NotFound returns a JSON 404 for unknown routes
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found", "No route for "+r.URL.Path)
}

func etag(d digest.Digest) string {
	return `"` + d.Encoded() + `"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, title, detail string) {
	resp := domain.ErrorResponse{
		Status: status,
		Title:  title,
		Detail: detail,
	}
	writeJSON(w, status, resp)
}
