package curator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type stubBackend struct {
	out   string
	err   error
	calls int
}

func (s *stubBackend) name() string { return "stub" }
func (s *stubBackend) complete(context.Context, string, string, int) (string, error) {
	s.calls++
	return s.out, s.err
}

func testCurator(backends ...completer) *Curator {
	return &Curator{
		backends: backends,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestNewRequiresAKey(t *testing.T) {
	if _, err := New(Config{}, nil); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
	if _, err := New(Config{AnthropicAPIKey: "sk-ant-test"}, nil); err != nil {
		t.Fatalf("anthropic-only config failed: %v", err)
	}
	if _, err := New(Config{OpenAIAPIKey: "sk-test"}, nil); err != nil {
		t.Fatalf("openai-only config failed: %v", err)
	}
}

func TestFallbackOrder(t *testing.T) {
	primary := &stubBackend{err: errors.New("rate limited")}
	secondary := &stubBackend{out: "Grocery list help"}
	c := testCurator(primary, secondary)

	title, err := c.Title(context.Background(), "help with groceries", "sure")
	if err != nil {
		t.Fatal(err)
	}
	if title != "Grocery list help" {
		t.Fatalf("title = %q", title)
	}
	// The failing primary is retried once before falling through.
	if primary.calls != 2 || secondary.calls != 1 {
		t.Fatalf("calls = %d/%d, want 2/1", primary.calls, secondary.calls)
	}
}

func TestAllBackendsFailing(t *testing.T) {
	c := testCurator(&stubBackend{err: errors.New("down")})
	if _, err := c.Title(context.Background(), "hi", "hello"); err == nil {
		t.Fatal("expected error when every backend fails")
	}
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`"Trip Planning"`, "Trip Planning"},
		{"Weekly review.", "Weekly review"},
		{"  spaced   out\ntitle  ", "spaced out title"},
		{"An extremely long session title that keeps going well past any reasonable limit", "An extremely long session title that keeps going well past"},
	}
	for _, tt := range tests {
		if got := sanitizeTitle(tt.in); got != tt.want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
