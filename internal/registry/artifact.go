package registry

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/opencontainers/go-digest"

	"github.com/pluginregistry/server/internal/domain"
)

// Artifact is the content of one plugin file
type Artifact struct {
	Data        []byte
	ContentType string
	Digest      digest.Digest
	ModTime     time.Time
	// Cached is set when the bytes came from the in-memory cache.
	Cached bool

	size int64
}

// ArtifactBytes returns the archive or icon of the plugin with the given
// internal name, as known from the last scan. It fails with ErrNotFound for
// unknown plugins or an absent icon, and with ErrReadFailure when the file
// has gone missing or cannot be read since the scan.
func (r *Registry) ArtifactBytes(internalName string, kind domain.ArtifactKind) (*Artifact, error) {
	snap := r.current.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, internalName)
	}

	loc, ok := snap.Location(internalName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, internalName)
	}

	path := loc.Path(kind)
	if path == "" {
		return nil, fmt.Errorf("%w: %s has no %s", ErrNotFound, internalName, kind)
	}

	// A stat on every call catches files deleted or replaced since the scan
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}

	if cached, ok := r.cache.Get(path); ok && cached.size == info.Size() && cached.ModTime.Equal(info.ModTime()) {
		r.cacheHits.Add(1)
		hit := *cached
		hit.Cached = true
		return &hit, nil
	}
	r.cacheMisses.Add(1)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}

	artifact := &Artifact{
		Data:        data,
		ContentType: contentType(kind, data),
		Digest:      digest.FromBytes(data),
		ModTime:     info.ModTime(),
		size:        int64(len(data)),
	}
	r.cache.Add(path, artifact)

	return artifact, nil
}

func contentType(kind domain.ArtifactKind, data []byte) string {
	if kind == domain.ArtifactArchive {
		return "application/zip"
	}
	if mt := mimetype.Detect(data).String(); strings.HasPrefix(mt, "image/") {
		return mt
	}
	return "image/png"
}
