package streams

import (
	"strings"
	"unicode"

	"golang.org/x/net/idna"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeHashtag maps tag to the name the web application publishes on: a
// leading '#' is dropped, the text is NFKC-normalised and lowercased, and
// anything outside letters, digits, '_', U+00B7 and U+200C is removed.
// Lowercasing keeps "ß" intact where full case folding would not.
func NormalizeHashtag(tag string) string {
	tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
	if tag == "" {
		return ""
	}
	lowered := cases.Lower(language.Und).String(norm.NFKC.String(tag))
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r), r == '_', r == '\u00b7', r == '\u200c':
			return r
		default:
			return -1
		}
	}, lowered)
}

// NormalizeDomain lowercases domain and converts it to its ASCII form. It
// returns "" for values that are not valid host names.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if domain == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return ""
	}
	return ascii
}
