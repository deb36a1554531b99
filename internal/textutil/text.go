package textutil

import "strings"

// TruncateRunes shortens s to at most maxRunes runes, ending in "..." when
// there is room for it. Multi-byte characters are never split.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	switch {
	case len(runes) <= maxRunes:
		return s
	case maxRunes <= 3:
		return string(runes[:maxRunes])
	default:
		return string(runes[:maxRunes-3]) + "..."
	}
}

// FirstLine returns the first line of s, skipping leading blank lines.
func FirstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSuffix(line, "\r")
}

// ErrorSummary renders err as one bounded, valid UTF-8 line for the
// last_error column. A nil error gives "".
func ErrorSummary(err error, maxRunes int) string {
	if err == nil {
		return ""
	}
	msg := SanitizeUTF8(FirstLine(err.Error()))
	if maxRunes > 0 {
		msg = TruncateRunes(msg, maxRunes)
	}
	return msg
}
