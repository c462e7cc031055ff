// Package logutil holds helpers for putting remote or user supplied text
// into log fields.
package logutil

import (
	"regexp"
	"strings"
)

// MaxFieldLen is the longest string SanitizeForLog keeps.
const MaxFieldLen = 256

// ansiEscape matches CSI and OSC terminal escape sequences.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// SanitizeForLog makes terminal text safe for a single log field: escape
// sequences are dropped, line breaks and tabs become spaces, remaining
// control characters are removed and the result is cut to MaxFieldLen.
func SanitizeForLog(s string) string {
	s = StripEscapes(s)
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ").Replace(s)

	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return Truncate(result.String(), MaxFieldLen)
}

// StripEscapes removes ANSI terminal escape sequences.
func StripEscapes(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence and
// marks the cut with "...".
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
