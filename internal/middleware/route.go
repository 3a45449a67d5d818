package middleware

import (
	"strings"

	"github.com/pluginregistry/server/internal/domain"
)

const unmatchedRoute = "unmatched"

// route is what the request middleware reads from a request path. pattern
// is bounded so it can label metrics and name spans.
type route struct {
	pattern  string
	artifact bool
	plugin   string
	kind     domain.ArtifactKind
}

var fixedRoutes = map[string]bool{
	"/":                true,
	"/plugins":         true,
	"/health":          true,
	"/ping":            true,
	"/version":         true,
	"/metrics":         true,
	"/webhooks/github": true,
}

// Polled by load balancers and scrapers; logged at debug.
var quietRoutes = map[string]bool{
	"/health":  true,
	"/ping":    true,
	"/metrics": true,
}

// parseRoute matches path against the installer routes. Artifact paths
// yield the requested plugin and kind.
func parseRoute(path string) route {
	if fixedRoutes[path] {
		return route{pattern: path}
	}

	rest, ok := strings.CutPrefix(path, "/plugin/")
	if !ok {
		return route{pattern: unmatchedRoute}
	}

	rt := route{pattern: "/plugin/{internalName}", artifact: true, kind: domain.ArtifactArchive}
	if name, ok := strings.CutSuffix(rest, "/icon"); ok {
		rest = name
		rt.pattern += "/icon"
		rt.kind = domain.ArtifactIcon
	}
	if rest == "" || strings.Contains(rest, "/") {
		return route{pattern: unmatchedRoute}
	}
	rt.plugin = rest
	return rt
}
