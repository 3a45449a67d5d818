package registry

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pluginregistry/server/internal/domain"
)

// Recognized plugin folder files and their preferred names
const (
	manifestExt = ".json"
	archiveExt  = ".zip"
	iconExt     = ".png"

	archiveName = "latest.zip"
	iconName    = "icon.png"
)

type scanned struct {
	folder string
	record domain.PluginRecord
	loc    domain.PluginArtifactLocation
}

func (r *Registry) scan(ctx context.Context) (*Snapshot, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var sources map[string]string
	if p := r.sources.Load(); p != nil {
		sources = *p
	}

	// os.ReadDir sorts by name, which fixes duplicate resolution order
	byName := make(map[string]scanned)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		folder := entry.Name()
		loc, ok := r.locate(filepath.Join(r.root, folder))
		if !ok {
			continue
		}

		res, err := r.decoder.DecodeFile(loc.ManifestPath)
		if err != nil {
			r.logger.Warn("invalid plugin manifest", "plugin_dir", folder, "error", err)
			continue
		}
		if len(res.Missing) > 0 {
			r.logger.Debug("manifest fields absent", "plugin_dir", folder, "fields", res.Missing)
		}

		rec := res.Record
		loc.InternalName = rec.InternalName
		if rec.RepoURL == "" {
			rec.RepoURL = sources[folder]
		}

		if prev, dup := byName[rec.InternalName]; dup {
			r.logger.Warn("duplicate internal name, keeping later folder",
				"internal_name", rec.InternalName,
				"kept", folder,
				"excluded", prev.folder,
			)
		}
		byName[rec.InternalName] = scanned{folder: folder, record: rec, loc: loc}
	}

	kept := make([]scanned, 0, len(byName))
	for _, s := range byName {
		kept = append(kept, s)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].folder < kept[j].folder })

	now := r.now()
	records := make([]domain.PluginRecord, 0, len(kept))
	files := make(map[string]domain.PluginArtifactLocation, len(kept))
	for _, s := range kept {
		records = append(records, r.enrich(s.record, now.Unix()))
		files[s.record.InternalName] = s.loc
	}

	return newSnapshot(records, files, now)
}

// enrich fills the fields the server owns
func (r *Registry) enrich(rec domain.PluginRecord, now int64) domain.PluginRecord {
	rec.DownloadCount = 0
	rec.LastUpdate = now
	rec.DownloadLinkInstall = r.urls.DownloadURL(rec)
	rec.DownloadLinkUpdate = r.urls.DownloadURL(rec)
	if rec.IconURL == "" {
		rec.IconURL = r.urls.IconURL(rec)
	}
	return rec
}

// locate picks at most one manifest, archive and icon among the folder's
// top-level files. The conventional name wins (<folder>.json, latest.zip,
// icon.png); otherwise the first file with the extension in name order.
// A folder without a manifest or an archive is rejected.
func (r *Registry) locate(dir string) (domain.PluginArtifactLocation, bool) {
	folder := filepath.Base(dir)
	loc := domain.PluginArtifactLocation{Folder: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Warn("unreadable plugin directory", "plugin_dir", folder, "error", err)
		return loc, false
	}

	preferred := map[string]string{
		manifestExt: folder + manifestExt,
		archiveExt:  archiveName,
		iconExt:     iconName,
	}
	found := make(map[string]string, len(preferred))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		want, recognized := preferred[ext]
		if !recognized {
			continue
		}
		if _, have := found[ext]; !have || name == want {
			found[ext] = name
		}
	}

	if found[manifestExt] == "" {
		r.logger.Warn("missing manifest in plugin directory", "plugin_dir", folder)
		return loc, false
	}
	if found[archiveExt] == "" {
		r.logger.Warn("missing archive in plugin directory", "plugin_dir", folder)
		return loc, false
	}
	if found[iconExt] == "" {
		r.logger.Warn("missing icon in plugin directory", "plugin_dir", folder)
	} else {
		loc.IconPath = filepath.Join(dir, found[iconExt])
	}

	loc.ManifestPath = filepath.Join(dir, found[manifestExt])
	loc.ArchivePath = filepath.Join(dir, found[archiveExt])
	return loc, true
}
