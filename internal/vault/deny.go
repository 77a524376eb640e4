package vault

import (
	"regexp"
	"strings"
	"sync"
)

// builtinDeny is the fixed pattern set. Deny always wins, including for
// direct trust and explicit grants.
var builtinDeny = []string{
	".env*",
	"**/.env*",
	"**/*.key",
	"**/*.pem",
	"**/*.pfx",
	"**/id_rsa*",
	"node_modules/**",
	".git/**",
	"secrets/**",
}

type compiledPattern struct {
	raw string
	re  *regexp.Regexp
}

// DenyMatcher matches vault-relative paths against the built-in deny list
// plus user additions. User patterns are swapped atomically on reload.
type DenyMatcher struct {
	builtin []compiledPattern

	mu     sync.RWMutex
	user   []compiledPattern
	static []compiledPattern
}

// NewDenyMatcher compiles the built-in set plus any initial user patterns.
func NewDenyMatcher(userPatterns ...string) *DenyMatcher {
	m := &DenyMatcher{builtin: compilePatterns(builtinDeny)}
	if len(userPatterns) > 0 {
		m.user = compilePatterns(userPatterns)
	}
	return m
}

// Match reports the first deny pattern the path hits. Paths are expected in
// vault-relative form; leading slashes are tolerated.
func (m *DenyMatcher) Match(path string) (string, bool) {
	p := strings.ToLower(strings.TrimPrefix(path, "/"))
	if p == "" {
		return "", false
	}

	for _, c := range m.builtin {
		if c.re.MatchString(p) {
			return c.raw, true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.static {
		if c.re.MatchString(p) {
			return c.raw, true
		}
	}
	for _, c := range m.user {
		if c.re.MatchString(p) {
			return c.raw, true
		}
	}
	return "", false
}

// SetUserPatterns replaces the user pattern set. Invalid globs are skipped.
func (m *DenyMatcher) SetUserPatterns(patterns []string) {
	compiled := compilePatterns(patterns)
	m.mu.Lock()
	m.user = compiled
	m.mu.Unlock()
}

// SetStaticPatterns replaces the configuration-supplied set, which survives
// denylist file reloads. Invalid globs are skipped.
func (m *DenyMatcher) SetStaticPatterns(patterns []string) {
	compiled := compilePatterns(patterns)
	m.mu.Lock()
	m.static = compiled
	m.mu.Unlock()
}

// Patterns returns the active pattern list, built-ins first.
func (m *DenyMatcher) Patterns() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.builtin)+len(m.static)+len(m.user))
	for _, c := range m.builtin {
		out = append(out, c.raw)
	}
	for _, c := range m.static {
		out = append(out, c.raw)
	}
	for _, c := range m.user {
		out = append(out, c.raw)
	}
	return out
}

func compilePatterns(patterns []string) []compiledPattern {
	out := make([]compiledPattern, 0, len(patterns))
	for _, p := range patterns {
		re, err := compileGlob(p)
		if err != nil {
			continue
		}
		out = append(out, compiledPattern{raw: p, re: re})
	}
	return out
}
