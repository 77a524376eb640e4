package channels

import "strings"

// Platform message size ceilings.
const (
	TelegramLimit = 4096
	DiscordLimit  = 2000
	MatrixLimit   = 16384
)

// SplitMessage breaks text into chunks of at most limit runes,
// preferring paragraph boundaries, then the latest newline inside the
// window, then a hard cut. Concatenating the chunks reproduces text.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := []rune(text)
	for len(remaining) > limit {
		cut := splitPoint(remaining, limit)
		chunks = append(chunks, string(remaining[:cut]))
		remaining = remaining[cut:]
	}
	if len(remaining) > 0 {
		chunks = append(chunks, string(remaining))
	}
	return chunks
}

// splitPoint finds where to cut the next chunk inside window runes.
func splitPoint(runes []rune, limit int) int {
	window := string(runes[:limit])

	// Paragraph boundary keeps the blank line with the leading chunk.
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return len([]rune(window[:idx+2]))
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return len([]rune(window[:idx+1]))
	}
	return limit
}
