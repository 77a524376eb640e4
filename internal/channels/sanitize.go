package channels

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	maxDisplayName = 50
	maxContextText = 500
)

var nameStrip = strings.NewReplacer(
	"[", "", "]", "",
	"<", "", ">", "",
	"\n", " ", "\r", " ",
)

// sanitizeDisplayName normalizes a platform display name for the group
// context block: NFKC fold, strip markup characters, collapse newlines,
// clip.
func sanitizeDisplayName(name string) string {
	name = norm.NFKC.String(name)
	name = nameStrip.Replace(name)
	name = strings.TrimSpace(name)
	if name == "" {
		return "user"
	}
	return clipRunes(name, maxDisplayName)
}

// sanitizeContextText trims a message for the group context buffer.
func sanitizeContextText(text string) string {
	text = strings.TrimSpace(text)
	return clipRunes(text, maxContextText)
}

func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

var errScrubPatterns = []*regexp.Regexp{
	// Bot and API tokens.
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{30,}\b`),
	regexp.MustCompile(`\b(?:sk|pk|xox[a-z])-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bBearer\s+[A-Za-z0-9._-]+`),
	regexp.MustCompile(`\bsyt_[A-Za-z0-9_]+`),
	// Absolute private paths.
	regexp.MustCompile(`(?:/home/|/Users/)[^\s:]+`),
}

// scrubError redacts secrets and private paths from a connector error
// before it reaches the health surface or logs.
func scrubError(msg string) string {
	for _, p := range errScrubPatterns {
		msg = p.ReplaceAllString(msg, "[redacted]")
	}
	return msg
}
