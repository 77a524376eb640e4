package models

import (
	"time"
)

// ChannelType represents a bot messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelMatrix   ChannelType = "matrix"
)

// SourceFor maps a platform to the session source it creates.
func (c ChannelType) SourceFor() SessionSource {
	switch c {
	case ChannelTelegram:
		return SourceTelegram
	case ChannelDiscord:
		return SourceDiscord
	case ChannelMatrix:
		return SourceMatrix
	}
	return SourceUnknown
}

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ChatKind distinguishes direct and group conversations.
type ChatKind string

const (
	ChatDirect  ChatKind = "dm"
	ChatGroup   ChatKind = "group"
	ChatChannel ChatKind = "channel"
)

// Message is the unified bot message format across all platforms.
type Message struct {
	ID          string         `json:"id"` // platform message ID
	Channel     ChannelType    `json:"channel"`
	ChatID      string         `json:"chat_id"`
	ChatKind    ChatKind       `json:"chat_kind,omitempty"`
	SenderID    string         `json:"sender_id,omitempty"`
	SenderName  string         `json:"sender_name,omitempty"`
	Direction   Direction      `json:"direction"`
	Content     string         `json:"content"`
	Mention     bool           `json:"mention,omitempty"` // bot was addressed directly
	ReplyTo     string         `json:"reply_to,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	Path     string `json:"path,omitempty"` // vault-relative once ingested
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// APIKey is a stored client credential. Only the SHA-256 hash is persisted;
// the prefix identifies the key in listings.
type APIKey struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"` // first 8 chars for identification
	Hash       string    `json:"hash"`   // hex SHA-256 of the full key
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}
