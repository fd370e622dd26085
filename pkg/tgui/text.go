package tgui

import "unicode/utf8"

// TruncRunes shortens s to at most n runes. When anything is cut, the last
// kept rune is replaced by "…".
func TruncRunes(s string, n int) string {
	switch {
	case n <= 0:
		return ""
	case utf8.RuneCountInString(s) <= n:
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
