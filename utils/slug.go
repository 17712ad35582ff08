package utils

import (
	"net/url"
	"strings"
)

// Slug derives the join key between captured records and recovery
// requests: the case-folded trailing path segment of a share URL. Share
// links drift in casing and host prefix over time while still denoting
// the same content, so matching is on slug equality, never full URL
// equality.
//
// Query string and fragment are stripped before the path is examined. A
// URL with an empty or root path falls back to the case-folded host so a
// query-only share URL still yields a non-empty key.
func Slug(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Not parseable as an absolute URL: fall back to the trailing
		// segment of whatever we were given.
		raw = stripAfter(raw, '?')
		raw = stripAfter(raw, '#')
		raw = strings.TrimRight(raw, "/")
		if i := strings.LastIndexByte(raw, '/'); i >= 0 {
			raw = raw[i+1:]
		}
		return strings.ToLower(raw)
	}

	path := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if path == "" {
		return strings.ToLower(u.Host)
	}
	return strings.ToLower(path)
}

func stripAfter(s string, sep byte) string {
	if i := strings.IndexByte(s, sep); i >= 0 {
		return s[:i]
	}
	return s
}
