package domain

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string      `json:"status"`
	PluginCount  int         `json:"plugin_count"`
	Repositories int         `json:"repositories"`
	LastScanAt   string      `json:"last_scan_at,omitempty"`
	Syncing      bool        `json:"syncing"`
	LastRun      *RunSummary `json:"last_run,omitempty"`
	CacheStats   *CacheStats `json:"cache_stats,omitempty"`
}

// RunSummary condenses the last pipeline run
type RunSummary struct {
	Source     string `json:"source"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
	Synced     int    `json:"synced"`
	Built      int    `json:"built"`
	Skipped    int    `json:"skipped"`
	Collected  int    `json:"collected"`
	Failed     int    `json:"failed"`
}

// CacheStats contains artifact cache statistics
type CacheStats struct {
	Size     int     `json:"size"`
	Capacity int     `json:"capacity"`
	HitRate  float64 `json:"hit_rate"`
}

// PingResponse represents the ping response
type PingResponse struct {
	Pong bool `json:"pong"`
}

// VersionResponse represents the version info response
type VersionResponse struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}
