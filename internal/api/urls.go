package api

import (
	"net/url"
	"strings"

	"github.com/pluginregistry/server/internal/domain"
)

// URLs builds the links embedded in catalog records from the server's public
// base address. It matches the routes NewRouter registers.
type URLs struct {
	Base string
}

// NewURLs creates the URL convention for the given public base address
func NewURLs(base string) URLs {
	return URLs{Base: strings.TrimRight(base, "/")}
}

// DownloadURL returns the archive link for a record
func (u URLs) DownloadURL(rec domain.PluginRecord) string {
	return u.Base + "/plugin/" + url.PathEscape(rec.InternalName)
}

// IconURL returns the icon link for a record
func (u URLs) IconURL(rec domain.PluginRecord) string {
	return u.DownloadURL(rec) + "/icon"
}
