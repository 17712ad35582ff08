package utils

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Titles are scraped out of third-party DOM by the userscript, so strip
// all markup rather than allowing a UGC subset.
var titlePolicy = bluemonday.StrictPolicy()

// SanitizeTitle strips HTML from a scraped page title.
func SanitizeTitle(input string) string {
	return strings.TrimSpace(titlePolicy.Sanitize(input))
}

const maxFilenameRunes = 60

// SanitizeFilename reduces a title to something safe to use as a file
// name: path separators and shell-hostile characters become underscores,
// whitespace collapses, and the result is length-capped. Uniqueness is
// not this function's job; callers must suffix the record id because
// distinct captures frequently share a title.
func SanitizeFilename(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|' || r == 0:
			b.WriteRune('_')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), "-_.")
	runes := []rune(out)
	if len(runes) > maxFilenameRunes {
		out = string(runes[:maxFilenameRunes])
	}
	if out == "" {
		out = "untitled"
	}
	return out
}
