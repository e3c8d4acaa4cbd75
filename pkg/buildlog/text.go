package buildlog

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxLineBytes bounds the log text and meta of one event sent by a builder,
// well below what the API accepts in a request body.
const MaxLineBytes = 16 * 1024

const completionMarker = "successfully"

var completionMarkerRE = regexp.MustCompile(`(?i)` + completionMarker)

// Unmark rewrites the completion marker in a line that does not end the
// stream. Tool output such as "Successfully built 3f2a9c1d" would otherwise
// stop readers that still match on the marker text.
func Unmark(line string) string {
	if !strings.Contains(strings.ToLower(line), completionMarker) {
		return line
	}
	return completionMarkerRE.ReplaceAllString(line, "ok")
}

// Truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
// Invalid sequences already in s are replaced first.
func Truncate(s string, limit int) string {
	s = strings.ToValidUTF8(s, "�")
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
