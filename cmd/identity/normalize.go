package identity

import (
	"strings"
	"unicode/utf8"
)

// MaxDisplayNameRunes bounds display names shown to the polling browser.
const MaxDisplayNameRunes = 120

// NormalizeDisplayName trims and collapses internal whitespace.
func NormalizeDisplayName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func validDisplayName(s string) bool {
	return s != "" && utf8.RuneCountInString(s) <= MaxDisplayNameRunes
}
