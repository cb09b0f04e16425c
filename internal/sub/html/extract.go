// Package html recovers proxy share URIs embedded in arbitrary HTML or text.
package html

import (
	"regexp"
	"strings"
	"unicode/utf16"

	"github.com/samber/lo"
)

// MinURILength is the length floor (in UTF-16 code units, inclusive) below
// which a match is treated as truncated noise.
const MinURILength = 80

// A token runs until whitespace (including Unicode space separators) or one
// of " ' < > \.
var uriPattern = regexp.MustCompile(`(?:vmess|vless|ss|trojan)://[^\s\x{0B}\p{Z}\x{FEFF}"'<>\\]+`)

var ampEntity = regexp.MustCompile(`(?i)&amp;`)

// Extract returns the distinct share URIs found in text, longer than
// MinURILength, in order of first occurrence. Tokens are deduplicated before
// entity decoding.
func Extract(text string) []string {
	matches := uriPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	return lo.FilterMap(lo.Uniq(matches), func(token string, _ int) (string, bool) {
		token = strings.TrimSpace(ampEntity.ReplaceAllString(token, "&"))
		return token, utf16Len(token) > MinURILength
	})
}

// Join renders URIs as the newline separated list consumed by the URI
// builder.
func Join(uris []string) string {
	return strings.Join(uris, "\n")
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
