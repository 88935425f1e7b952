package extract

import "strings"

// Prose strips patch blocks and fenced code from text, leaving what a person
// would read aloud.
func Prose(text string) string {
	out := text
	for {
		start := strings.Index(out, searchOpen)
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], replaceEnd)
		if end < 0 {
			out = out[:start]
			break
		}
		out = out[:start] + out[start+end+len(replaceEnd):]
	}

	var b strings.Builder
	rest := out
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		end := strings.Index(rest[open+len(fence):], fence)
		if end < 0 {
			break
		}
		rest = rest[open+len(fence)+end+len(fence):]
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
