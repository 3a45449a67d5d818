package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginregistry/server/internal/domain"
	"github.com/pluginregistry/server/internal/pipeline"
	"github.com/pluginregistry/server/internal/registry"
	"github.com/pluginregistry/server/internal/sync"
)

type idleRunner struct{}

func (idleRunner) Run(ctx context.Context, repos []domain.SourceRepository) *pipeline.Report {
	return &pipeline.Report{}
}

type testServer struct {
	root     string
	registry *registry.Registry
	manager  *sync.Manager
	handler  http.Handler
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()

	reg, err := registry.New(registry.Config{
		Root:   root,
		URLs:   NewURLs("http://registry.test/"),
		Logger: logger,
	})
	require.NoError(t, err)

	repos := func() ([]domain.SourceRepository, error) {
		return []domain.SourceRepository{
			domain.NewSourceRepository("https://github.com/owner/Foo.git", "", t.TempDir()),
		}, nil
	}
	manager := sync.NewManager(sync.Config{
		Pipeline:     idleRunner{},
		Registry:     reg,
		Repositories: repos,
		Logger:       logger,
	})

	return &testServer{
		root:     root,
		registry: reg,
		manager:  manager,
		handler: NewRouter(Config{
			Registry:      reg,
			SyncManager:   manager,
			Repositories:  repos,
			WebhookSecret: secret,
			Logger:        logger,
		}),
	}
}

func (s *testServer) addPlugin(t *testing.T, name string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(s.root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for file, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
	}
}

func (s *testServer) get(path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestCatalog(t *testing.T) {
	s := newTestServer(t, "")
	s.addPlugin(t, "Foo", map[string]string{
		"Foo.json":   `{"InternalName":"Foo","Author":"X"}`,
		"latest.zip": "PK\x03\x04",
	})

	for _, path := range []string{"/", "/plugins"} {
		t.Run(path, func(t *testing.T) {
			rec := s.get(path)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotEmpty(t, rec.Header().Get("ETag"))

			var records []domain.PluginRecord
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
			require.Len(t, records, 1)
			assert.Equal(t, "Foo", records[0].InternalName)
			assert.Equal(t, "http://registry.test/plugin/Foo", records[0].DownloadLinkInstall)
			assert.Equal(t, "http://registry.test/plugin/Foo/icon", records[0].IconURL)
		})
	}
}

func TestCatalog_ConditionalRequest(t *testing.T) {
	s := newTestServer(t, "")
	s.addPlugin(t, "Foo", map[string]string{"Foo.json": `{"InternalName":"Foo"}`, "latest.zip": "zip"})

	first := s.get("/")
	require.Equal(t, http.StatusOK, first.Code)
	tag := first.Header().Get("ETag")

	rec := s.get("/", "If-None-Match", tag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestCatalog_EmptyTree(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.get("/plugins")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestArtifacts(t *testing.T) {
	s := newTestServer(t, "")
	s.addPlugin(t, "Foo", map[string]string{"Foo.json": `{"InternalName":"Foo"}`, "latest.zip": "PK\x03\x04archive"})
	s.addPlugin(t, "Bar", map[string]string{
		"Bar.json":   `{"InternalName":"Bar"}`,
		"latest.zip": "zip",
		"icon.png":   "\x89PNG\r\n\x1a\n",
	})
	_, err := s.registry.Scan(context.Background())
	require.NoError(t, err)

	rec := s.get("/plugin/Foo")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "PK\x03\x04archive", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = s.get("/plugin/Bar/icon")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = s.get("/plugin/Foo/icon")
	assert.Equal(t, http.StatusNotFound, rec.Code, "a plugin without an icon file")

	rec = s.get("/plugin/Unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body domain.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusNotFound, body.Status)
	assert.Contains(t, body.Detail, "Unknown")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var starting domain.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &starting))
	assert.Equal(t, "starting", starting.Status)
	assert.Nil(t, starting.LastRun)

	s.addPlugin(t, "Foo", map[string]string{"Foo.json": `{"InternalName":"Foo"}`, "latest.zip": "zip"})
	_, err := s.manager.RunOnce(context.Background(), "test")
	require.NoError(t, err)

	rec = s.get("/health")
	var ready domain.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, 1, ready.PluginCount)
	assert.Equal(t, 1, ready.Repositories)
	assert.NotEmpty(t, ready.LastScanAt)
	require.NotNil(t, ready.LastRun)
	assert.Equal(t, "test", ready.LastRun.Source)
	require.NotNil(t, ready.CacheStats)
}

func TestUtilityRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.get("/ping")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pong":true}`, rec.Body.String())

	rec = s.get("/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "git_commit")

	rec = s.get("/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.get("/no/such/route")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestWebhookRoute(t *testing.T) {
	post := func(h http.Handler) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader("{}"))
		req.Header.Set("X-GitHub-Event", "push")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNotFound, post(newTestServer(t, "").handler), "disabled without a secret")
	assert.Equal(t, http.StatusUnauthorized, post(newTestServer(t, "s3cret").handler), "unsigned delivery")
}

func TestURLs(t *testing.T) {
	u := NewURLs("https://plugins.example.com/")
	rec := domain.PluginRecord{InternalName: "Foo Bar"}

	assert.Equal(t, "https://plugins.example.com/plugin/Foo%20Bar", u.DownloadURL(rec))
	assert.Equal(t, "https://plugins.example.com/plugin/Foo%20Bar/icon", u.IconURL(rec))
}
