package vault

import "testing"

func TestDenyMatcher_Builtins(t *testing.T) {
	m := NewDenyMatcher()

	denied := []string{
		".env",
		".env.local",
		"projects/app/.env",
		"certs/server.key",
		"deep/nested/ca.pem",
		"backup/client.pfx",
		".ssh/id_rsa",
		"keys/id_rsa.pub",
		"node_modules/pkg/index.js",
		".git/config",
		"secrets/prod.yaml",
	}
	for _, p := range denied {
		if _, hit := m.Match(p); !hit {
			t.Errorf("expected deny for %q", p)
		}
	}

	allowed := []string{
		"Notes/env.md",
		"Blogs/post.md",
		"environment.md",
		"keyboard/layout.md",
		"Chat/sessions.db",
	}
	for _, p := range allowed {
		if pattern, hit := m.Match(p); hit {
			t.Errorf("unexpected deny for %q (pattern %q)", p, pattern)
		}
	}
}

func TestDenyMatcher_UserPatterns(t *testing.T) {
	m := NewDenyMatcher()

	if _, hit := m.Match("Finance/taxes.md"); hit {
		t.Fatal("should not deny before user pattern added")
	}

	m.SetUserPatterns([]string{"Finance/**"})
	if pattern, hit := m.Match("Finance/taxes.md"); !hit || pattern != "Finance/**" {
		t.Errorf("user pattern miss: hit=%v pattern=%q", hit, pattern)
	}

	// Replacement drops the old set.
	m.SetUserPatterns(nil)
	if _, hit := m.Match("Finance/taxes.md"); hit {
		t.Error("cleared user patterns still matching")
	}
}

func TestDenyMatcher_CaseInsensitive(t *testing.T) {
	m := NewDenyMatcher()
	if _, hit := m.Match("Certs/Server.KEY"); !hit {
		t.Error("deny matching must be case-insensitive")
	}
}

func TestDenyMatcher_LeadingSlash(t *testing.T) {
	m := NewDenyMatcher()
	if _, hit := m.Match("/node_modules/x.js"); !hit {
		t.Error("leading slash should be tolerated")
	}
}

func TestDenyMatcher_BracketsAreLiteral(t *testing.T) {
	m := NewDenyMatcher()
	m.SetUserPatterns([]string{"[draft]/**"})
	if _, hit := m.Match("[draft]/post.md"); !hit {
		t.Error("brackets in patterns must match literally")
	}
	if _, hit := m.Match("d/post.md"); hit {
		t.Error("brackets must not act as a character class")
	}
}
