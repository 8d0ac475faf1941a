// Package util holds string helpers shared by the display, verification and
// handoff code.
package util

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// TruncateString truncates s to maxLen runes, ending in "..." when cut.
// It ignores ANSI escapes; use TruncateANSI for styled text.
func TruncateString(s string, maxLen int) string {
	if maxLen <= len(ellipsis) {
		return ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(ellipsis)]) + ellipsis
}

// TruncateANSI truncates s to maxWidth terminal columns, keeping escape
// sequences intact.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}

// TailBytes keeps at most maxBytes of s, dropping from the front, and
// prefixes a marker saying how much was dropped. The cut never splits a
// UTF-8 sequence. Command output is most useful at its end.
func TailBytes(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	cut := len(s) - maxBytes
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return fmt.Sprintf("[... %d bytes truncated ...]\n", cut) + s[cut:]
}

// FirstLine returns the first non-empty line of s, trimmed.
func FirstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
