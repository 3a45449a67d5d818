package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pluginregistry/server/internal/domain"
	"github.com/pluginregistry/server/internal/registry"
	"github.com/pluginregistry/server/internal/sync"
)

// Config holds API router configuration
type Config struct {
	Registry     *registry.Registry
	SyncManager  *sync.Manager
	Repositories func() ([]domain.SourceRepository, error)
	// WebhookSecret enables POST /webhooks/github when set.
	WebhookSecret string
	Logger        *slog.Logger
}

// NewRouter creates a new HTTP router with all API routes
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	// Base middleware
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	handlers := NewHandlers(cfg.Registry, cfg.SyncManager, cfg.Logger)

	// Health and utility endpoints
	r.Get("/health", handlers.Health)
	r.Get("/ping", handlers.Ping)
	r.Get("/version", handlers.Version)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Catalog and artifacts, as fetched by the installer
	r.Get("/", handlers.Catalog)
	r.Get("/plugins", handlers.Catalog)
	r.Get("/plugin/{internalName}", handlers.Archive)
	r.Get("/plugin/{internalName}/icon", handlers.Icon)

	if cfg.WebhookSecret != "" {
		webhookHandler := sync.NewWebhookHandler(
			cfg.WebhookSecret,
			cfg.SyncManager,
			cfg.Repositories,
			cfg.Logger,
		)
		r.Post("/webhooks/github", webhookHandler.ServeHTTP)
	}

	r.NotFound(handlers.NotFound)

	return r
}
