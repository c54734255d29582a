package normalizer

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	nonAlnumPattern   = regexp.MustCompile(`[^a-z0-9]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Fold lowercases and strips diacritics ("Café Olé" -> "cafe ole").
func Fold(s string) string {
	// transform.Chain is stateful; build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Slug folds s and collapses every run of non-alphanumerics to a single dash.
func Slug(s string) string {
	return strings.Trim(nonAlnumPattern.ReplaceAllString(Fold(s), "-"), "-")
}

// Tokens returns the folded alphanumeric words of s.
func Tokens(s string) []string {
	slug := Slug(s)
	if slug == "" {
		return nil
	}
	return strings.Split(slug, "-")
}

// VenueKey is normalize(name) + postal code; empty when the venue has no name.
func VenueKey(name, postalCode string) string {
	n := Slug(name)
	if n == "" {
		return ""
	}
	return n + ":" + Slug(postalCode)
}

// CleanText strips markup and entities and collapses whitespace.
func CleanText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max]))
}
