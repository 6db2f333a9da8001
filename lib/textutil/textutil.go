package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

// \s is ascii-only; scraped cells also carry &nbsp; and friends
var whitespaceRegex = regexp.MustCompile(`[\s\p{Zs}\x{85}]+`)

// NormalizeName produces the form company names are compared in:
// lowercased with all whitespace removed.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

// CleanCell canonicalizes the text content of a table cell: control
// and other non-printable runes are dropped, inner whitespace runs
// collapse to a single space, and the result is trimmed. Two cells
// that differ only in insignificant whitespace clean to the same
// string.
func CleanCell(s string) string {
	var out strings.Builder
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			out.WriteRune(c)
		}
	}
	cleaned := whitespaceRegex.ReplaceAllString(out.String(), " ")
	return strings.Trim(cleaned, " ")
}
