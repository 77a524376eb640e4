// Package vault resolves paths inside the user's vault and owns the deny
// matcher that gates every path-bearing tool call.
package vault

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	dotDir       = ".parachute"
	chatDir      = "Chat"
	sessionsDB   = "sessions.db"
	denylistFile = "denylist"
	mcpFile      = "mcp.json"
	pairingFile  = "pairing.json"
	keysFile     = "keys.json"
	contextFile  = "CLAUDE.md"
	attachDir    = "Attachments"
)

// Vault is the root of the user's Markdown directory plus the server-owned
// state that lives under <vault>/.parachute.
type Vault struct {
	root   string
	deny   *DenyMatcher
	logger *slog.Logger
}

// Open validates the vault root, creates the .parachute state directory,
// and loads any user deny patterns.
func Open(root string, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", abs)
	}

	if err := os.MkdirAll(filepath.Join(abs, dotDir), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	v := &Vault{
		root:   abs,
		deny:   NewDenyMatcher(),
		logger: logger.With("component", "vault"),
	}
	v.reloadUserPatterns()
	return v, nil
}

// Root returns the absolute vault root.
func (v *Vault) Root() string {
	return v.root
}

// Deny returns the deny matcher.
func (v *Vault) Deny() *DenyMatcher {
	return v.deny
}

// Relativize converts a path to vault-relative form. Absolute paths under
// the root lose the root prefix; relative paths are cleaned; paths outside
// the vault are returned cleaned but otherwise untouched, so permission
// globs will not match them.
func (v *Vault) Relativize(p string) string {
	if p == "" {
		return ""
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		if rel, err := filepath.Rel(v.root, clean); err == nil && !strings.HasPrefix(rel, "..") {
			clean = rel
		}
	}
	clean = strings.TrimPrefix(clean, "./")
	if clean == "." {
		return ""
	}
	return clean
}

// Denied reports whether the path (any form) hits the deny list and which
// pattern matched.
func (v *Vault) Denied(p string) (string, bool) {
	return v.deny.Match(v.Relativize(p))
}

// Abs joins a vault-relative path back onto the root.
func (v *Vault) Abs(rel string) string {
	return filepath.Join(v.root, rel)
}

// SessionDBPath is <vault>/Chat/sessions.db.
func (v *Vault) SessionDBPath() string {
	return filepath.Join(v.root, chatDir, sessionsDB)
}

// StateDir is <vault>/.parachute.
func (v *Vault) StateDir() string {
	return filepath.Join(v.root, dotDir)
}

// DenylistPath is the user deny-pattern file.
func (v *Vault) DenylistPath() string {
	return filepath.Join(v.root, dotDir, denylistFile)
}

// MCPConfigPath is the MCP server config mounted into sandboxes.
func (v *Vault) MCPConfigPath() string {
	return filepath.Join(v.root, dotDir, mcpFile)
}

// PairingPath is the pairing-request store file.
func (v *Vault) PairingPath() string {
	return filepath.Join(v.root, dotDir, pairingFile)
}

// KeysPath is the API key store file.
func (v *Vault) KeysPath() string {
	return filepath.Join(v.root, dotDir, keysFile)
}

// ContextFilePath is the vault-root context file mounted into sandboxes.
func (v *Vault) ContextFilePath() string {
	return filepath.Join(v.root, contextFile)
}

// SkillsDir is the skills directory mounted into sandboxes.
func (v *Vault) SkillsDir() string {
	return filepath.Join(v.root, ".claude", "skills")
}

// AgentsDir is the custom-agents directory mounted into sandboxes.
func (v *Vault) AgentsDir() string {
	return filepath.Join(v.root, ".claude", "agents")
}

// SandboxSessionDir is the host-side home persisted into a per-session
// container. Created 0700 on first use.
func (v *Vault) SandboxSessionDir(sid12 string) string {
	return filepath.Join(v.root, dotDir, "sandbox", "sessions", sid12)
}

// SandboxEnvDir is the host-side home for a named environment container.
func (v *Vault) SandboxEnvDir(slug string) string {
	return filepath.Join(v.root, dotDir, "sandbox", "envs", slug)
}

// AttachmentsDir is where ingested uploads land, bucketed by month.
func (v *Vault) AttachmentsDir() string {
	return filepath.Join(v.root, attachDir)
}

func (v *Vault) reloadUserPatterns() {
	patterns, err := readPatternFile(v.DenylistPath())
	if err != nil {
		if os.IsNotExist(err) {
			v.deny.SetUserPatterns(nil)
		} else {
			v.logger.Warn("failed to read user denylist", "error", err)
		}
		return
	}
	v.deny.SetUserPatterns(patterns)
	v.logger.Debug("loaded user deny patterns", "count", len(patterns))
}

// readPatternFile parses one glob per line, skipping blanks and # comments.
func readPatternFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, nil
}
