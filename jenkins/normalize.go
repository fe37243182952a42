package jenkins

import (
	"unicode"
	"unicode/utf8"
)

// Normalize converts path to the byte form the archive hashes: forward
// slashes become backslashes, letters are uppercased with the invariant
// simple case mapping, and the result is encoded as ASCII with every
// non-ASCII UTF-16 code unit replaced by '?'.
//
// Runes outside the Basic Multilingual Plane occupy two UTF-16 code units
// and therefore become "??". Invalid UTF-8 bytes become a single '?' each.
func Normalize(path string) []byte {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); {
		ch := path[i]
		if ch < utf8.RuneSelf {
			switch {
			case ch == '/':
				ch = '\\'
			case 'a' <= ch && ch <= 'z':
				ch -= 'a' - 'A'
			}
			out = append(out, ch)
			i++
			continue
		}

		r, size := utf8.DecodeRuneInString(path[i:])
		i += size
		if r == utf8.RuneError && size == 1 {
			out = append(out, '?')
			continue
		}
		if up := unicode.ToUpper(r); up < utf8.RuneSelf {
			// A few non-ASCII letters (dotless i, long s) fold into ASCII.
			out = append(out, byte(up))
			continue
		}
		out = append(out, '?')
		if r > 0xFFFF {
			out = append(out, '?')
		}
	}
	return out
}
