// Package middleware provides HTTP middleware shared by the daemon's
// admin server.
package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// NormalizedPathHeader carries the cardinality-safe form of the request
// path to downstream middleware (the metrics middleware labels requests
// by it). The raw r.URL.Path is left untouched so routing still works.
const NormalizedPathHeader = "X-Normalized-Path"

// PathNormalizer rewrites dynamic path segments into placeholders so the
// per-path metric label space stays bounded: conflict ids are UUIDs and
// backlog cache keys are caller-chosen strings, either of which would
// otherwise mint a new label value per entity.
type PathNormalizer struct {
	uuidSegment *regexp.Regexp
}

// NewPathNormalizer builds a normalizer covering this server's routes.
func NewPathNormalizer() *PathNormalizer {
	return &PathNormalizer{
		uuidSegment: regexp.MustCompile(`(?i)/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`),
	}
}

// NormalizePath collapses the dynamic segments of path:
//
//	/conflicts/5f0c.../resolve -> /conflicts/{id}/resolve
//	/backlog/groceries-2024    -> /backlog/{key}
//	/snapshot                  -> /snapshot (unchanged)
func (n *PathNormalizer) NormalizePath(path string) string {
	if path == "" || path == "/" {
		return path
	}

	normalized := n.uuidSegment.ReplaceAllString(path, "/{id}")

	// Backlog keys are opaque strings, not UUIDs; collapse everything
	// after the /backlog/ prefix.
	if rest, ok := strings.CutPrefix(normalized, "/backlog/"); ok && rest != "" {
		normalized = "/backlog/{key}"
	}

	return normalized
}

// Middleware stamps each request with its normalized path before handing
// it on.
func (n *PathNormalizer) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Set(NormalizedPathHeader, n.NormalizePath(r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
}

// PathNormalization is the convenience form used in router setup.
func PathNormalization() func(http.Handler) http.Handler {
	return NewPathNormalizer().Middleware()
}
