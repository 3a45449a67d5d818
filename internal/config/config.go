package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Repository list and working copies
	ReposFile string
	ReposPath string

	// Canonical plugin-artifact tree
	PluginsPath string

	// Version control
	VCSBackend  string
	GitBinary   string
	SyncTimeout time.Duration
	SyncWorkers int

	// Build tool
	BuildBinary        string
	BuildConfiguration string
	DescriptorGlob     string
	BuildOutputPath    string
	BuildTimeout       time.Duration
	BuildWorkers       int

	// Rebuild scheduling
	RebuildInterval time.Duration
	WebhookSecret   string

	// Optional GitHub App authentication (native backend)
	GitHubAppID          int64
	GitHubAppPrivateKey  []byte
	GitHubInstallationID int64

	// Server settings
	Port      int
	BaseURL   string
	CacheSize int

	// Observability
	OTLPEndpoint string
	LogLevel     slog.Level
}

// Backends accepted by VCS_BACKEND
const (
	BackendCLI    = "cli"
	BackendNative = "native"
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Defaults
		ReposFile:          "repos.ini",
		ReposPath:          "repos",
		PluginsPath:        "plugins",
		VCSBackend:         BackendCLI,
		GitBinary:          "git",
		SyncTimeout:        5 * time.Minute,
		SyncWorkers:        4,
		BuildBinary:        "dotnet",
		BuildConfiguration: "Release",
		DescriptorGlob:     "*.sln",
		BuildOutputPath:    "bin/x64/Release",
		BuildTimeout:       10 * time.Minute,
		BuildWorkers:       4,
		Port:               3000,
		CacheSize:          256,
		LogLevel:           slog.LevelInfo,
	}

	stringVars := map[string]*string{
		"REPOS_FILE":            &cfg.ReposFile,
		"REPOS_PATH":            &cfg.ReposPath,
		"PLUGINS_PATH":          &cfg.PluginsPath,
		"GIT_BINARY":            &cfg.GitBinary,
		"BUILD_BINARY":          &cfg.BuildBinary,
		"BUILD_CONFIGURATION":   &cfg.BuildConfiguration,
		"BUILD_DESCRIPTOR_GLOB": &cfg.DescriptorGlob,
		"BUILD_OUTPUT_PATH":     &cfg.BuildOutputPath,
		"WEBHOOK_SECRET":        &cfg.WebhookSecret,
		"OTLP_ENDPOINT":         &cfg.OTLPEndpoint,
		"BASE_URL":              &cfg.BaseURL,
	}
	for key, dst := range stringVars {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Optional: VCS backend
	if v := os.Getenv("VCS_BACKEND"); v != "" {
		v = strings.ToLower(v)
		if v != BackendCLI && v != BackendNative {
			return nil, fmt.Errorf("invalid VCS_BACKEND %q: must be %q or %q", v, BackendCLI, BackendNative)
		}
		cfg.VCSBackend = v
	}

	durationVars := map[string]*time.Duration{
		"SYNC_TIMEOUT":     &cfg.SyncTimeout,
		"BUILD_TIMEOUT":    &cfg.BuildTimeout,
		"REBUILD_INTERVAL": &cfg.RebuildInterval,
	}
	for key, dst := range durationVars {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	intVars := map[string]*int{
		"SYNC_CONCURRENCY":  &cfg.SyncWorkers,
		"BUILD_CONCURRENCY": &cfg.BuildWorkers,
		"CACHE_SIZE":        &cfg.CacheSize,
		"PORT":              &cfg.Port,
	}
	for key, dst := range intVars {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	if cfg.SyncWorkers < 1 || cfg.BuildWorkers < 1 {
		return nil, fmt.Errorf("SYNC_CONCURRENCY and BUILD_CONCURRENCY must be at least 1")
	}

	// Optional: log level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	if err := loadGitHubApp(cfg); err != nil {
		return nil, err
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

// GitHubAppConfigured reports whether all GitHub App credentials are present.
func (c *Config) GitHubAppConfigured() bool {
	return c.GitHubAppID != 0 && c.GitHubInstallationID != 0 && len(c.GitHubAppPrivateKey) > 0
}

// loadGitHubApp reads the optional GitHub App credentials. They are all or
// nothing: a partial set is a configuration error.
func loadGitHubApp(cfg *Config) error {
	appIDStr := os.Getenv("GITHUB_APP_ID")
	installIDStr := os.Getenv("GITHUB_INSTALLATION_ID")
	privateKeyPath := os.Getenv("GITHUB_APP_PRIVATE_KEY_PATH")
	privateKeyValue := os.Getenv("GITHUB_APP_PRIVATE_KEY")

	if appIDStr == "" && installIDStr == "" && privateKeyPath == "" && privateKeyValue == "" {
		return nil
	}

	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid GITHUB_APP_ID: %w", err)
	}
	cfg.GitHubAppID = appID

	installID, err := strconv.ParseInt(installIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid GITHUB_INSTALLATION_ID: %w", err)
	}
	cfg.GitHubInstallationID = installID

	// Private key can be provided as file path or direct value
	switch {
	case privateKeyPath != "":
		key, err := os.ReadFile(privateKeyPath)
		if err != nil {
			return fmt.Errorf("failed to read private key file: %w", err)
		}
		cfg.GitHubAppPrivateKey = key
	case privateKeyValue != "":
		cfg.GitHubAppPrivateKey = []byte(privateKeyValue)
	default:
		return fmt.Errorf("GITHUB_APP_PRIVATE_KEY or GITHUB_APP_PRIVATE_KEY_PATH is required when GITHUB_APP_ID is set")
	}

	return nil
}
