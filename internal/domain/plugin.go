package domain

import (
	"encoding/json"
	"fmt"
)

// PluginRecord is one catalog entry as served to the plugin installer.
// JSON keys follow the installer's manifest format.
type PluginRecord struct {
	// Basic information
	Author      string `json:"Author"`
	Name        string `json:"Name"`
	Punchline   string `json:"Punchline"`
	Description string `json:"Description"`

	// Metadata
	Tags          []string `json:"Tags"`
	InternalName  string   `json:"InternalName" validate:"internal_name"`
	RepoURL       string   `json:"RepoUrl"`
	DownloadCount int64    `json:"DownloadCount"`
	LastUpdate    int64    `json:"LastUpdate"`

	// Download links
	DownloadLinkInstall string `json:"DownloadLinkInstall"`
	DownloadLinkUpdate  string `json:"DownloadLinkUpdate"`

	// Versioning
	AssemblyVersion   string `json:"AssemblyVersion"`
	ApplicableVersion string `json:"ApplicableVersion"`
	APILevel          Level  `json:"DalamudApiLevel"`

	// Testing channel
	TestingAssemblyVersion string `json:"TestingAssemblyVersion,omitempty"`
	TestingAPILevel        Level  `json:"TestingDalamudApiLevel,omitempty"`
	DownloadLinkTesting    string `json:"DownloadLinkTesting,omitempty"`

	IconURL   string `json:"IconUrl"`
	Changelog string `json:"Changelog"`
}

// Level is a plugin API level. Manifests write it either as a number or as
// a string; it is always served as a string.
type Level string

// UnmarshalJSON accepts a JSON string, number or null.
func (l *Level) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = Level(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("api level must be a string or a number: %w", err)
	}
	*l = Level(n.String())
	return nil
}

// ArtifactKind selects which file of a plugin folder is requested.
type ArtifactKind int

const (
	ArtifactArchive ArtifactKind = iota
	ArtifactIcon
)

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactArchive:
		return "archive"
	case ArtifactIcon:
		return "icon"
	default:
		return fmt.Sprintf("ArtifactKind(%d)", int(k))
	}
}

// PluginArtifactLocation holds the files of one validated plugin folder.
// IconPath is empty when the folder has no icon.
type PluginArtifactLocation struct {
	InternalName string
	Folder       string
	ManifestPath string
	ArchivePath  string
	IconPath     string
}

// Path returns the file backing the given artifact kind, or "" if the
// plugin has none.
func (l PluginArtifactLocation) Path(kind ArtifactKind) string {
	switch kind {
	case ArtifactArchive:
		return l.ArchivePath
	case ArtifactIcon:
		return l.IconPath
	default:
		return ""
	}
}
