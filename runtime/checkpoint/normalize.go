package checkpoint

import "strings"

// Normalize collapses the literal escape sequences carried by tool output
// that was relayed through a detached background task. Nested executions
// re-encode their results, so quotes and newlines arrive as two-character
// sequences; matching against the raw form would silently miss.
//
// Unrecognized escapes pass through unchanged so arbitrary byte input is
// always safe.
func Normalize(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		switch s[i+1] {
		case 'n':
			sb.WriteByte('\n')
			i++
		case 't':
			sb.WriteByte('\t')
			i++
		case 'r':
			sb.WriteByte('\r')
			i++
		case '"':
			sb.WriteByte('"')
			i++
		case '\\':
			sb.WriteByte('\\')
			i++
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func contains(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}
