// Package filename turns untrusted client file names into safe destination
// names and applies the duplicate policy against a directory.
package filename

import (
	"strings"
	"unicode/utf16"
)

// Sanitize replaces every character outside [A-Za-z0-9._-] with underscores,
// one per UTF-16 code unit, so a rune outside the Basic Multilingual Plane
// becomes "__". Each invalid UTF-8 byte becomes one underscore.
// It never fails and Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if isSafe(r) {
			b.WriteRune(r)
			continue
		}
		n := utf16.RuneLen(r)
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}

// Usable reports whether a sanitized name can be placed inside a directory.
func Usable(name string) bool {
	return name != "" && name != "." && name != ".."
}

// SplitExt splits name into base and extension at the last dot. Names whose
// only dots are leading, like ".env", have no extension.
func SplitExt(name string) (base, ext string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || strings.TrimLeft(name[:i], ".") == "" {
		return name, ""
	}
	return name[:i], name[i:]
}
