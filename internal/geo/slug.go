package geo

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// slugFallback is returned when a display name slugifies to nothing. Slugs
// double as persisted identifiers, so the fallback must be stable too.
const slugFallback = "n-a"

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify converts a display name into its URL/store identifier form:
// accents stripped, lowercased, runs of anything outside [a-z0-9-]
// collapsed to a single hyphen. The result is deterministic across
// re-imports of the location dataset.
func Slugify(name string) string {
	plain, _, err := transform.String(deaccent, name)
	if err != nil {
		plain = name
	}
	plain = strings.ToLower(plain)

	var b strings.Builder
	b.Grow(len(plain))
	lastHyphen := false
	for _, r := range plain {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return slugFallback
	}
	return out
}
