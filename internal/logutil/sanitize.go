// Package logutil provides small helpers shared by every package that
// writes to the process log.
package logutil

import "strings"

// Sanitize replaces newlines, carriage returns, and tabs with spaces and
// drops every other character below 0x20 from a string before it is
// interpolated into a log line. Session
// names, hosts, and commands all originate from callers (tool-channel
// arguments or browser input) and must not be able to forge additional log
// lines or terminal escape sequences in the process log.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n', r == '\r', r == '\t':
			b.WriteByte(' ')
		case r < 32:
			// drop other control characters entirely
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
