package mapping

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeKey folds a raw mapping key for comparison: byte order marks are
// dropped, the text is NFKC normalized, whitespace runs collapse to one space
// and the result is case folded. "Board Of X " and "board of x" share a key.
func NormalizeKey(raw string) string {
	s := strings.ReplaceAll(raw, "\ufeff", "")
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	// Casers are stateful; one per call keeps NormalizeKey safe for concurrent use.
	return cases.Fold().String(s)
}

// NormalizeZip reduces a ZIP as found in source files ("95814", "95814-1234",
// "958141234", "95814.0") to its five digit form.
func NormalizeZip(raw string) (string, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, "\ufeff", ""))
	s = strings.TrimSuffix(s, ".0")
	if i := strings.IndexAny(s, "- "); i >= 0 {
		s = s[:i]
	}
	if len(s) != 5 && len(s) != 9 {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s[:5], true
}
