package registry

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/pluginregistry/server/internal/domain"
)

// Snapshot is an immutable catalog: the published records, their serialized
// form, and the files each record was built from. A Snapshot is never
// modified after creation.
type Snapshot struct {
	records   []domain.PluginRecord
	files     map[string]domain.PluginArtifactLocation
	payload   []byte
	digest    digest.Digest
	createdAt time.Time
}

func newSnapshot(records []domain.PluginRecord, files map[string]domain.PluginArtifactLocation, createdAt time.Time) (*Snapshot, error) {
	if records == nil {
		records = []domain.PluginRecord{}
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize catalog: %w", err)
	}

	return &Snapshot{
		records:   records,
		files:     files,
		payload:   payload,
		digest:    digest.FromBytes(payload),
		createdAt: createdAt,
	}, nil
}

// Records returns a copy of the catalog entries in publication order
func (s *Snapshot) Records() []domain.PluginRecord {
	out := make([]domain.PluginRecord, len(s.records))
	for i, rec := range s.records {
		rec.Tags = slices.Clone(rec.Tags)
		out[i] = rec
	}
	return out
}

// JSON returns the serialized catalog. Callers must not modify it.
func (s *Snapshot) JSON() []byte {
	return s.payload
}

// Digest identifies the serialized catalog
func (s *Snapshot) Digest() digest.Digest {
	return s.digest
}

// Len returns the number of plugins in the catalog
func (s *Snapshot) Len() int {
	return len(s.records)
}

// CreatedAt returns when the scan producing this snapshot finished
func (s *Snapshot) CreatedAt() time.Time {
	return s.createdAt
}

// Location returns the files backing the plugin with the given internal name
func (s *Snapshot) Location(internalName string) (domain.PluginArtifactLocation, bool) {
	loc, ok := s.files[internalName]
	return loc, ok
}
