// Package normalize cleans source text and extracts clock times from
// free-text descriptions.
package normalize

import (
	"html"
	"regexp"
	"strings"
)

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// StripHTML removes markup tags and decodes HTML entities, collapsing the
// leftover whitespace. Descriptions are stored in this plain-text form.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	out := tagRe.ReplaceAllString(s, " ")
	out = html.UnescapeString(out)
	out = strings.ReplaceAll(out, " ", " ")
	out = whitespaceRe.ReplaceAllString(out, " ")

	lines := strings.Split(out, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
