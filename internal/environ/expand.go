package environ

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Expand replaces $NAME and ${NAME} references in s with their values from
// lookup. With windows set, %NAME% references are expanded as well.
// References to undefined variables are left untouched.
//
// os.Expand is not used because it substitutes undefined variables with the
// empty string.
func Expand(s string, lookup func(string) (string, bool), windows bool) string {
	if !strings.ContainsRune(s, '$') && !(windows && strings.ContainsRune(s, '%')) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		switch {
		case s[i] == '$':
			name, width := scanDollar(s[i+1:])
			if name == "" {
				b.WriteByte(s[i])
				i++
				continue
			}
			ref := s[i : i+1+width]
			if v, ok := lookup(name); ok {
				b.WriteString(v)
			} else {
				b.WriteString(ref)
			}
			i += 1 + width
		case windows && s[i] == '%':
			end := strings.IndexByte(s[i+1:], '%')
			if end <= 0 {
				b.WriteByte(s[i])
				i++
				continue
			}
			name := s[i+1 : i+1+end]
			if v, ok := lookup(name); ok {
				b.WriteString(v)
			} else {
				b.WriteString(s[i : i+2+end])
			}
			i += end + 2
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// scanDollar parses the reference following a '$'. It returns the variable
// name and the number of bytes consumed, or an empty name when s does not
// start a reference.
func scanDollar(s string) (string, int) {
	if s == "" {
		return "", 0
	}
	if s[0] == '{' {
		end := strings.IndexByte(s, '}')
		if end <= 1 {
			return "", 0
		}
		return s[1:end], end + 1
	}

	n := 0
	for n < len(s) {
		r, size := utf8.DecodeRuneInString(s[n:])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		n += size
	}
	return s[:n], n
}
