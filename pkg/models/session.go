// Package models provides domain types for the Parachute assistant server.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TrustLevel decides whether a turn runs directly on the host or inside an
// isolation container, and which tools the permission handler admits.
type TrustLevel string

const (
	// TrustSandboxed confines the turn to a container; host tools other
	// than MCP and web tools are denied.
	TrustSandboxed TrustLevel = "sandboxed"

	// TrustDirect runs on the host with all tools admissible, subject to
	// the deny list and the dangerous-shell filter.
	TrustDirect TrustLevel = "direct"
)

// Valid reports whether the trust level is one of the known values.
func (t TrustLevel) Valid() bool {
	return t == TrustSandboxed || t == TrustDirect
}

// SessionSource identifies the ingress that created a session.
type SessionSource string

const (
	SourceWeb       SessionSource = "web"
	SourceCLI       SessionSource = "cli"
	SourceTelegram  SessionSource = "telegram"
	SourceDiscord   SessionSource = "discord"
	SourceMatrix    SessionSource = "matrix"
	SourceScheduler SessionSource = "scheduler"
	SourceUnknown   SessionSource = "unknown"
)

// Trusted reports whether the source is a known non-bot caller. Sandbox
// credential injection is refused for everything else; there is no
// configuration override.
func (s SessionSource) Trusted() bool {
	return s == SourceWeb || s == SourceCLI
}

// TitleSource records who named the session.
type TitleSource string

const (
	TitleByUser TitleSource = "user"
	TitleByAI   TitleSource = "ai"
)

// BotLink ties a session to a platform chat.
type BotLink struct {
	Platform ChannelType `json:"platform"`
	ChatID   string      `json:"chat_id"`
	ChatType string      `json:"chat_type,omitempty"` // dm, group, channel
}

// Session is a durable conversation handle. The session store owns the
// authoritative copy; in-memory components re-read rather than share.
type Session struct {
	ID           string         `json:"id"`
	Title        string         `json:"title,omitempty"`
	TitleSource  TitleSource    `json:"title_source,omitempty"`
	Module       string         `json:"module,omitempty"`
	Source       SessionSource  `json:"source"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	Archived     bool           `json:"archived,omitempty"`
	MessageCount int            `json:"message_count"`
	WorkingDir   string         `json:"working_dir,omitempty"`
	Model        string         `json:"model,omitempty"`
	Trust        TrustLevel     `json:"trust_level"`
	BotLink      *BotLink       `json:"bot_link,omitempty"`
	EnvSlug      string         `json:"env_slug,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ShortID returns the first 12 characters of the session ID, the prefix
// used in container names and host directory paths.
func (s *Session) ShortID() string {
	return ShortSessionID(s.ID)
}

// ShortSessionID truncates a session ID to the 12-character prefix shared by
// container names, labels, and sandbox home directories.
func ShortSessionID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// BashMode discriminates a session's shell policy.
type BashMode string

const (
	BashDenied       BashMode = "denied"
	BashList         BashMode = "list"
	BashUnrestricted BashMode = "unrestricted"
)

// BashPolicy is the shell policy for a session. Older rows stored either a
// boolean (true means unrestricted) or a bare command list; UnmarshalJSON
// accepts all three shapes and normalizes to mode + list.
type BashPolicy struct {
	Mode     BashMode `json:"mode"`
	Commands []string `json:"commands,omitempty"`
}

// Allows reports whether the policy admits the given shell command. List
// policies match on the full command or its first word.
func (p BashPolicy) Allows(command string) bool {
	switch p.Mode {
	case BashUnrestricted:
		return true
	case BashList:
		base, _, _ := strings.Cut(strings.TrimSpace(command), " ")
		for _, c := range p.Commands {
			if c == command || c == base {
				return true
			}
		}
	}
	return false
}

// UnmarshalJSON accepts the modern object shape plus the two legacy shapes.
func (p *BashPolicy) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*p = BashPolicy{Mode: BashUnrestricted}
		} else {
			*p = BashPolicy{Mode: BashDenied}
		}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			*p = BashPolicy{Mode: BashDenied}
		} else {
			*p = BashPolicy{Mode: BashList, Commands: list}
		}
		return nil
	}

	type plain BashPolicy
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = BashPolicy(obj)
	if p.Mode == "" {
		p.Mode = BashDenied
	}
	return nil
}

// SessionPermissions is the permission record embedded in session metadata
// under the "permissions" key. Grants grow the glob lists monotonically
// within a turn; nothing is revoked mid-turn.
type SessionPermissions struct {
	Trust      TrustLevel `json:"trust_level"`
	ReadGlobs  []string   `json:"read,omitempty"`
	WriteGlobs []string   `json:"write,omitempty"`
	Bash       BashPolicy `json:"bash"`
}

// UnmarshalJSON resolves the legacy trust_mode boolean. TrustLevel is
// canonical: trust_mode is consulted only when trust_level is absent, and
// never promotes an explicitly sandboxed session.
func (p *SessionPermissions) UnmarshalJSON(data []byte) error {
	type plain SessionPermissions
	aux := struct {
		*plain
		LegacyTrustMode *bool `json:"trust_mode,omitempty"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if p.Trust == "" {
		if aux.LegacyTrustMode != nil && *aux.LegacyTrustMode {
			p.Trust = TrustDirect
		} else {
			p.Trust = TrustSandboxed
		}
	}
	return nil
}

// MetadataKeyPermissions is where SessionPermissions lives inside
// Session.Metadata.
const MetadataKeyPermissions = "permissions"

// MetadataKeyPendingInit marks a bot-created session awaiting pairing
// approval.
const MetadataKeyPendingInit = "pending_initialization"

// PermissionsOf extracts the permission record from a session, applying
// defaults for sessions that never had one: bot sources start sandboxed,
// everything else follows the session's trust column.
func PermissionsOf(s *Session) SessionPermissions {
	if s.Metadata != nil {
		if raw, ok := s.Metadata[MetadataKeyPermissions]; ok {
			if data, err := json.Marshal(raw); err == nil {
				var p SessionPermissions
				if err := json.Unmarshal(data, &p); err == nil {
					return p
				}
			}
		}
	}

	trust := s.Trust
	if !trust.Valid() {
		trust = TrustSandboxed
	}
	return SessionPermissions{Trust: trust, Bash: BashPolicy{Mode: BashDenied}}
}

// StorePermissions writes the permission record back into session metadata.
func StorePermissions(s *Session, p SessionPermissions) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[MetadataKeyPermissions] = p
	s.Trust = p.Trust
}
