package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "https://lurl.cc/Abcde", "abcde"},
		{"case folded", "https://LURL.cc/AbCdE", "abcde"},
		{"trailing slash", "https://lurl.cc/abcde/", "abcde"},
		{"multi segment takes last", "https://lurl.cc/v/XyZ12", "xyz12"},
		{"query stripped", "https://lurl.cc/abcde?t=30&ref=tw", "abcde"},
		{"fragment stripped", "https://lurl.cc/abcde#player", "abcde"},
		{"host prefix ignored", "http://www.lurl.cc/abcde", "abcde"},
		{"root path falls back to host", "https://lurl.cc/?id=abcde", "lurl.cc"},
		{"bare host", "https://lurl.cc", "lurl.cc"},
		{"not a url", "abcde", "abcde"},
		{"relative path", "share/AbCdE?x=1", "abcde"},
		{"empty", "", ""},
		{"whitespace", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.in))
		})
	}
}

func TestSlugSameContentDifferentURLs(t *testing.T) {
	// Share URLs drift in casing and prefix over time; they must still
	// meet at the same join key.
	a := Slug("https://lurl.cc/AbCdE")
	b := Slug("http://www.lurl.cc/abcde?utm=x")
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}
