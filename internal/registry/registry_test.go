package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/pluginregistry/server/internal/domain"
)

type testURLs struct{}

func (testURLs) DownloadURL(rec domain.PluginRecord) string {
	return "http://registry.test/plugin/" + rec.InternalName
}

func (testURLs) IconURL(rec domain.PluginRecord) string {
	return "http://registry.test/plugin/" + rec.InternalName + "/icon"
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tb is satisfied by both *testing.T and *rapid.T
type tb interface {
	Helper()
	Errorf(format string, args ...any)
	FailNow()
}

func newTestRegistry(t tb, root string) *Registry {
	t.Helper()
	reg, err := New(Config{
		Root:   root,
		URLs:   testURLs{},
		Logger: discardLogger(),
		Now:    func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return reg
}

// writePlugin creates root/folder holding the given files
func writePlugin(t tb, root, folder string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, folder)
	require.NoError(t, os.MkdirAll(dir, 0755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

func manifestFor(name string, extra ...string) string {
	m := map[string]string{"InternalName": name}
	for i := 0; i+1 < len(extra); i += 2 {
		m[extra[i]] = extra[i+1]
	}
	data, _ := json.Marshal(m)
	return string(data)
}

func TestCatalog_EmptyRoot(t *testing.T) {
	reg := newTestRegistry(t, t.TempDir())

	snap, err := reg.Catalog(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, snap.Len())
	assert.Empty(t, snap.Records())
	assert.JSONEq(t, `[]`, string(snap.JSON()))
}

func TestCatalog_MissingRootIsEmpty(t *testing.T) {
	root := filepath.Join(t.TempDir(), "plugins")
	reg := newTestRegistry(t, root)
	require.NoError(t, os.RemoveAll(root))

	snap, err := reg.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestCatalog_FirstScanOutlivesCallerCancellation(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{"Foo.json": manifestFor("Foo"), "latest.zip": "zip"})
	reg := newTestRegistry(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap, err := reg.Catalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Same(t, snap, reg.Current())
}

func TestScan_SingleValidPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{
		"Foo.json":   `{"InternalName":"Foo","Author":"X"}`,
		"latest.zip": "zip",
	})
	reg := newTestRegistry(t, root)

	snap, err := reg.Catalog(context.Background())
	require.NoError(t, err)

	records := snap.Records()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "Foo", rec.InternalName)
	assert.Equal(t, "X", rec.Author)
	assert.Zero(t, rec.DownloadCount)
	assert.Equal(t, fixedNow.Unix(), rec.LastUpdate)
	assert.Equal(t, "http://registry.test/plugin/Foo", rec.DownloadLinkInstall)
	assert.Equal(t, "http://registry.test/plugin/Foo", rec.DownloadLinkUpdate)
	assert.Equal(t, "http://registry.test/plugin/Foo/icon", rec.IconURL)

	var served []domain.PluginRecord
	require.NoError(t, json.Unmarshal(snap.JSON(), &served))
	assert.Equal(t, records, served)
}

func TestScan_InvalidFoldersAreExcluded(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "NoArchive", map[string]string{"NoArchive.json": manifestFor("NoArchive")})
	writePlugin(t, root, "NoManifest", map[string]string{"latest.zip": "zip"})
	writePlugin(t, root, "BadManifest", map[string]string{"BadManifest.json": `{"InternalName": 7}`, "latest.zip": "zip"})
	writePlugin(t, root, "EmptyName", map[string]string{"EmptyName.json": `{"InternalName": ""}`, "latest.zip": "zip"})
	writePlugin(t, root, ".staging", map[string]string{"x.json": manifestFor("Hidden"), "latest.zip": "zip"})
	writePlugin(t, root, "Good", map[string]string{"Good.json": manifestFor("Good"), "latest.zip": "zip"})
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.json"), []byte(manifestFor("Stray")), 0644))

	snap, err := newTestRegistry(t, root).Scan(context.Background())
	require.NoError(t, err)

	records := snap.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Good", records[0].InternalName)
}

func TestScan_MissingIconKeepsPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{"Foo.json": manifestFor("Foo"), "latest.zip": "zip"})
	reg := newTestRegistry(t, root)

	snap, err := reg.Scan(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, snap.Len())
	assert.Equal(t, "http://registry.test/plugin/Foo/icon", snap.Records()[0].IconURL)

	_, err = reg.ArtifactBytes("Foo", domain.ArtifactIcon)
	assert.ErrorIs(t, err, ErrNotFound)

	art, err := reg.ArtifactBytes("Foo", domain.ArtifactArchive)
	require.NoError(t, err)
	assert.Equal(t, "zip", string(art.Data))
	assert.Equal(t, "application/zip", art.ContentType)
}

func TestScan_KeepsDeclaredIconURL(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{
		"Foo.json":   manifestFor("Foo", "IconUrl", "https://cdn.example.com/foo.png"),
		"latest.zip": "zip",
	})

	snap, err := newTestRegistry(t, root).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/foo.png", snap.Records()[0].IconURL)
}

func TestScan_DuplicateInternalNameLastFolderWins(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Alpha", map[string]string{"Alpha.json": manifestFor("Dup", "Author", "alpha"), "latest.zip": "a"})
	writePlugin(t, root, "Beta", map[string]string{"Beta.json": manifestFor("Dup", "Author", "beta"), "latest.zip": "b"})
	reg := newTestRegistry(t, root)

	snap, err := reg.Scan(context.Background())
	require.NoError(t, err)

	records := snap.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "beta", records[0].Author)

	art, err := reg.ArtifactBytes("Dup", domain.ArtifactArchive)
	require.NoError(t, err)
	assert.Equal(t, "b", string(art.Data))
}

func TestScan_FileSelection(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{
		"aaa.json":    manifestFor("Wrong"),
		"Foo.json":    manifestFor("Foo"),
		"release.zip": "fallback-zip",
		"b.png":       "b-icon",
		"a.png":       "a-icon",
	})
	reg := newTestRegistry(t, root)

	snap, err := reg.Scan(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, "Foo", snap.Records()[0].InternalName, "<folder>.json is preferred")

	loc, ok := snap.Location("Foo")
	require.True(t, ok)
	assert.Equal(t, "release.zip", filepath.Base(loc.ArchivePath))
	assert.Equal(t, "a.png", filepath.Base(loc.IconPath), "first in name order without a conventional name")
}

func TestScan_RepoURLFromSources(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{"Foo.json": manifestFor("Foo"), "latest.zip": "zip"})
	writePlugin(t, root, "Bar", map[string]string{"Bar.json": manifestFor("Bar", "RepoUrl", "https://declared/Bar"), "latest.zip": "zip"})
	reg := newTestRegistry(t, root)

	reg.RecordSources(map[string]string{"Foo": "https://example.com/first/Foo.git"})
	reg.RecordSources(map[string]string{"Bar": "https://example.com/Bar.git"})

	snap, err := reg.Scan(context.Background())
	require.NoError(t, err)

	byName := map[string]domain.PluginRecord{}
	for _, rec := range snap.Records() {
		byName[rec.InternalName] = rec
	}
	assert.Equal(t, "https://example.com/first/Foo.git", byName["Foo"].RepoURL, "earlier runs are remembered")
	assert.Equal(t, "https://declared/Bar", byName["Bar"].RepoURL, "the manifest wins")
}

func TestArtifactBytes_NotFoundAndReadFailure(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{"Foo.json": manifestFor("Foo"), "latest.zip": "zip"})
	reg := newTestRegistry(t, root)

	_, err := reg.ArtifactBytes("Foo", domain.ArtifactArchive)
	assert.ErrorIs(t, err, ErrNotFound, "nothing is served before the first scan")

	_, err = reg.Scan(context.Background())
	require.NoError(t, err)

	_, err = reg.ArtifactBytes("Unknown", domain.ArtifactArchive)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.Remove(filepath.Join(root, "Foo", "latest.zip")))
	_, err = reg.ArtifactBytes("Foo", domain.ArtifactArchive)
	assert.ErrorIs(t, err, ErrReadFailure)
}

func TestArtifactBytes_Cache(t *testing.T) {
	root := t.TempDir()
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
	writePlugin(t, root, "Foo", map[string]string{
		"Foo.json":   manifestFor("Foo"),
		"latest.zip": "zip",
		"icon.png":   png,
	})
	reg := newTestRegistry(t, root)
	_, err := reg.Scan(context.Background())
	require.NoError(t, err)

	first, err := reg.ArtifactBytes("Foo", domain.ArtifactIcon)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "image/png", first.ContentType)

	second, err := reg.ArtifactBytes("Foo", domain.ArtifactIcon)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Digest, second.Digest)

	// A replaced file is re-read even before the next scan
	require.NoError(t, os.WriteFile(filepath.Join(root, "Foo", "icon.png"), []byte(png+"more"), 0644))
	third, err := reg.ArtifactBytes("Foo", domain.ArtifactIcon)
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.NotEqual(t, first.Digest, third.Digest)

	stats := reg.CacheStats()
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 0.001)
}

func TestScan_PreviousSnapshotSurvivesUntilSwap(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "Foo", map[string]string{"Foo.json": manifestFor("Foo"), "latest.zip": "zip"})
	reg := newTestRegistry(t, root)

	old, err := reg.Scan(context.Background())
	require.NoError(t, err)

	writePlugin(t, root, "Bar", map[string]string{"Bar.json": manifestFor("Bar"), "latest.zip": "zip"})
	assert.Same(t, old, reg.Current())
	assert.Equal(t, 1, old.Len())

	fresh, err := reg.Scan(context.Background())
	require.NoError(t, err)
	assert.Same(t, fresh, reg.Current())
	assert.Equal(t, 2, fresh.Len())
	assert.Equal(t, 1, old.Len(), "published snapshots never change")
}

func TestCatalog_ConcurrentReadsDuringRescan(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("Old%d", i)
		writePlugin(t, root, name, map[string]string{name + ".json": manifestFor(name), "latest.zip": "zip"})
	}
	reg := newTestRegistry(t, root)
	_, err := reg.Catalog(context.Background())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("New%d", i)
		writePlugin(t, root, name, map[string]string{name + ".json": manifestFor(name), "latest.zip": "zip"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		sizes = map[int]int{}
	)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := map[int]int{}
			for ctx.Err() == nil {
				size := -1
				snap, err := reg.Catalog(context.Background())
				if err == nil {
					var records []domain.PluginRecord
					if json.Unmarshal(snap.JSON(), &records) == nil && len(records) == snap.Len() {
						size = len(records)
					}
				}
				local[size]++
			}
			mu.Lock()
			for k, v := range local {
				sizes[k] += v
			}
			mu.Unlock()
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := reg.Scan(context.Background())
		require.NoError(t, err)
	}
	cancel()
	wg.Wait()

	for n := range sizes {
		assert.Contains(t, []int{5, 10}, n, "every read sees one complete snapshot")
	}
	assert.Equal(t, 10, reg.Current().Len())
}

// TestScan_Properties checks the catalog invariants over random trees: names
// are unique and non-empty, folders without an archive never appear, and a
// duplicated name resolves to the last valid folder in name order.
func TestScan_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		root, err := os.MkdirTemp("", "registry-prop-*")
		if err != nil {
			rt.Fatalf("temp dir: %v", err)
		}
		defer os.RemoveAll(root)

		folders := rapid.SliceOfNDistinct(rapid.StringMatching(`[A-Z][a-z]{1,5}`), 0, 8, rapid.ID[string]).Draw(rt, "folders")
		names := []string{"", "Alpha", "Beta", "Gamma"}

		// expected maps internal name to the folder that should win
		expected := map[string]string{}
		sort.Strings(folders)
		for _, folder := range folders {
			name := rapid.SampledFrom(names).Draw(rt, "name_"+folder)
			hasArchive := rapid.Bool().Draw(rt, "archive_"+folder)

			files := map[string]string{folder + ".json": manifestFor(name, "Author", folder)}
			if hasArchive {
				files["latest.zip"] = folder
			}
			writePlugin(rt, root, folder, files)

			if name != "" && hasArchive {
				expected[name] = folder
			}
		}

		reg := newTestRegistry(rt, root)
		snap, err := reg.Scan(context.Background())
		if err != nil {
			rt.Fatalf("scan: %v", err)
		}

		seen := map[string]bool{}
		for _, rec := range snap.Records() {
			if rec.InternalName == "" {
				rt.Fatalf("empty internal name in catalog")
			}
			if seen[rec.InternalName] {
				rt.Fatalf("duplicate internal name %q", rec.InternalName)
			}
			seen[rec.InternalName] = true

			if want := expected[rec.InternalName]; rec.Author != want {
				rt.Fatalf("%s came from %s, want %s", rec.InternalName, rec.Author, want)
			}
		}
		if len(seen) != len(expected) {
			rt.Fatalf("catalog has %d plugins, want %d", len(seen), len(expected))
		}
	})
}
