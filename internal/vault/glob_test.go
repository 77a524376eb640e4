package vault

import "testing"

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.md", "readme.md", true},
		{"*.md", "docs/readme.md", false}, // single star stays in segment
		{"**/*.md", "docs/readme.md", true},
		{"**/*.md", "readme.md", true}, // ** also matches zero segments
		{"docs/**", "docs/a/b/c.txt", true},
		{"docs/**", "docs2/a.txt", false},
		{"Blogs/*", "Blogs/post.md", true},
		{"Blogs/*", "Blogs/2024/post.md", false},
		{"**", "anything/at/all", true},
		{"notes-?.md", "notes-1.md", true},
		{"notes-?.md", "notes-10.md", false},
		{"a/**/z.md", "a/z.md", true},
		{"a/**/z.md", "a/b/c/z.md", true},
	}

	for _, tt := range tests {
		if got := MatchGlob(tt.pattern, tt.path); got != tt.want {
			t.Errorf("MatchGlob(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"Notes/**", "Blogs/*.md"}

	pattern, ok := MatchAny(patterns, "Blogs/post.md")
	if !ok || pattern != "Blogs/*.md" {
		t.Errorf("MatchAny = %q, %v", pattern, ok)
	}

	if _, ok := MatchAny(patterns, "Photos/cat.jpg"); ok {
		t.Error("MatchAny should miss")
	}

	if _, ok := MatchAny(nil, "anything"); ok {
		t.Error("empty pattern list should never match")
	}
}

func TestGlobBase(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"Blogs/**", "Blogs"},
		{"Blogs/*", "Blogs"},
		{"Blogs/2024/**", "Blogs/2024"},
		{"Blogs", "Blogs"},
		{"**", "."},
		{"*", "."},
	}
	for _, tt := range tests {
		if got := GlobBase(tt.pattern); got != tt.want {
			t.Errorf("GlobBase(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}
