package channels

import (
	"strings"
	"testing"
)

func TestSanitizeDisplayName(t *testing.T) {
	cases := map[string]string{
		"Alice":              "Alice",
		"[admin] <Bob>":      "admin Bob",
		"line\nbreak":        "line break",
		"":                   "user",
		"   ":                "user",
		strings.Repeat("x", 80): strings.Repeat("x", 50),
	}
	for in, want := range cases {
		if got := sanitizeDisplayName(in); got != want {
			t.Errorf("sanitizeDisplayName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeContextTextClips(t *testing.T) {
	long := strings.Repeat("y", 600)
	if got := sanitizeContextText(long); len([]rune(got)) != 500 {
		t.Errorf("expected clip to 500 runes, got %d", len([]rune(got)))
	}
	if got := sanitizeContextText("  hi  "); got != "hi" {
		t.Errorf("expected trimmed text, got %q", got)
	}
}

func TestScrubError(t *testing.T) {
	cases := []struct {
		in     string
		leaked string
	}{
		{"telegram: 12345678:AAHdqwexample_tokenvalue1234567890 rejected", "AAHdq"},
		{"request failed: pk-abcdefghij1234567890", "pk-abcdefghij"},
		{"header Bearer eyJhbGciOi.payload.sig invalid", "eyJhbGci"},
		{"matrix token syt_dXNlcg_abcdef expired", "syt_"},
		{"open /home/alice/vault/notes.md: permission denied", "/home/alice"},
	}
	for _, tc := range cases {
		got := scrubError(tc.in)
		if strings.Contains(got, tc.leaked) {
			t.Errorf("scrubError(%q) leaked secret: %q", tc.in, got)
		}
		if !strings.Contains(got, "[redacted]") {
			t.Errorf("scrubError(%q) did not redact: %q", tc.in, got)
		}
	}
}

func TestScrubErrorKeepsPlainText(t *testing.T) {
	msg := "connection reset by peer"
	if got := scrubError(msg); got != msg {
		t.Errorf("plain error was altered: %q", got)
	}
}
