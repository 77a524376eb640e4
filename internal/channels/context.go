package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// contextRingSize is how many recent group messages are kept per chat.
	contextRingSize = 50

	// contextMaxChats bounds the tracked chats; the least recently
	// active chat is evicted beyond this.
	contextMaxChats = 500
)

type contextEntry struct {
	Sender string
	Text   string
	At     time.Time
}

type chatContext struct {
	entries  []contextEntry
	lastUsed time.Time
}

// contextBuffer remembers recent group chatter so the model sees the
// conversation a mention landed in.
type contextBuffer struct {
	mu    sync.Mutex
	chats map[string]*chatContext
}

func newContextBuffer() *contextBuffer {
	return &contextBuffer{chats: make(map[string]*chatContext)}
}

// Record stores one group message, sanitizing the sender and text.
func (b *contextBuffer) Record(chatID, sender, text string) {
	sender = sanitizeDisplayName(sender)
	text = sanitizeContextText(text)
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	chat, ok := b.chats[chatID]
	if !ok {
		b.evictOldestLocked()
		chat = &chatContext{}
		b.chats[chatID] = chat
	}
	chat.lastUsed = time.Now()
	chat.entries = append(chat.entries, contextEntry{Sender: sender, Text: text, At: chat.lastUsed})
	if len(chat.entries) > contextRingSize {
		chat.entries = chat.entries[len(chat.entries)-contextRingSize:]
	}
}

// Format renders the chat's buffered messages as a tagged block for the
// prompt, consuming nothing. Empty when the chat has no history.
func (b *contextBuffer) Format(chatID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	chat, ok := b.chats[chatID]
	if !ok || len(chat.entries) == 0 {
		return ""
	}
	chat.lastUsed = time.Now()

	var sb strings.Builder
	sb.WriteString("<recent_group_messages>\n")
	for _, e := range chat.entries {
		fmt.Fprintf(&sb, "<message sender=%q>%s</message>\n", e.Sender, e.Text)
	}
	sb.WriteString("</recent_group_messages>")
	return sb.String()
}

// evictOldestLocked drops the least recently active chat once the map
// is at capacity.
func (b *contextBuffer) evictOldestLocked() {
	if len(b.chats) < contextMaxChats {
		return
	}
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, chat := range b.chats {
		if oldestID == "" || chat.lastUsed.Before(oldestAt) {
			oldestID = id
			oldestAt = chat.lastUsed
		}
	}
	delete(b.chats, oldestID)
}
