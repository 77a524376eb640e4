package permissions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parachute-dev/parachute/internal/vault"
	"github.com/parachute-dev/parachute/pkg/models"
)

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	return v
}

type eventSink struct {
	mu     sync.Mutex
	events []models.StreamEvent
}

func (s *eventSink) emit(ev models.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []models.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.StreamEvent(nil), s.events...)
}

func restrictedPerms() models.SessionPermissions {
	return models.SessionPermissions{
		Trust: models.TrustSandboxed,
		Bash:  models.BashPolicy{Mode: models.BashDenied},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		tool string
		want Class
	}{
		{"Read", ClassRead},
		{"Glob", ClassRead},
		{"Write", ClassWrite},
		{"MultiEdit", ClassWrite},
		{"Bash", ClassBash},
		{"WebSearch", ClassAlwaysAllow},
		{"Task", ClassAlwaysAllow},
		{"mcp__vault__search", ClassAlwaysAllow},
		{"AskUserQuestion", ClassAskUser},
		{"SomethingNew", ClassUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.tool); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.tool, got, tt.want)
		}
	}
}

func TestDenyListSupremacy(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}

	// Even direct trust cannot touch deny-listed paths.
	for _, trust := range []models.TrustLevel{models.TrustSandboxed, models.TrustDirect} {
		perms := models.SessionPermissions{
			Trust:      trust,
			ReadGlobs:  []string{"**"},
			WriteGlobs: []string{"**"},
		}
		h := NewHandler("sess-1", v, perms, sink.emit, nil)
		v1 := h.CheckTool(context.Background(), "Read", "tu1", map[string]any{"file_path": ".env"})
		if v1.Allow {
			t.Errorf("trust %s: Read .env allowed", trust)
		}
		v2 := h.CheckTool(context.Background(), "Write", "tu2", map[string]any{"file_path": "certs/server.key"})
		if v2.Allow {
			t.Errorf("trust %s: Write *.key allowed", trust)
		}
	}
	// Deny-list hits never create approval requests.
	if got := len(sink.all()); got != 0 {
		t.Errorf("%d events emitted for deny-list hits, want 0", got)
	}
}

func TestDirectTrustAllows(t *testing.T) {
	v := testVault(t)
	h := NewHandler("sess-1", v, models.SessionPermissions{Trust: models.TrustDirect}, nil, nil)

	if verdict := h.CheckTool(context.Background(), "Read", "tu1", map[string]any{"file_path": "Notes/a.md"}); !verdict.Allow {
		t.Errorf("direct Read denied: %s", verdict.Reason)
	}
	if verdict := h.CheckTool(context.Background(), "SomethingNew", "tu2", nil); !verdict.Allow {
		t.Errorf("direct unknown tool denied: %s", verdict.Reason)
	}
	if verdict := h.CheckTool(context.Background(), "Bash", "tu3", map[string]any{"command": "ls -la"}); !verdict.Allow {
		t.Errorf("direct Bash denied: %s", verdict.Reason)
	}
}

func TestDangerousShellRejectedEverywhere(t *testing.T) {
	v := testVault(t)
	commands := []string{
		"sudo apt install x",
		"rm -rf /",
		"rm -rf ~",
		"rm -rf /*",
		":(){ :|:& };:",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"echo x > /dev/sda",
		"chmod -R 777 /",
	}
	for _, trust := range []models.TrustLevel{models.TrustSandboxed, models.TrustDirect} {
		h := NewHandler("sess-1", v, models.SessionPermissions{Trust: trust, Bash: models.BashPolicy{Mode: models.BashUnrestricted}}, nil, nil)
		for _, cmd := range commands {
			if verdict := h.CheckTool(context.Background(), "Bash", "tu", map[string]any{"command": cmd}); verdict.Allow {
				t.Errorf("trust %s: dangerous command allowed: %q", trust, cmd)
			}
		}
	}
}

func TestGlobMatchSkipsPrompt(t *testing.T) {
	v := testVault(t)
	perms := restrictedPerms()
	perms.WriteGlobs = []string{"Blogs/**"}
	sink := &eventSink{}
	h := NewHandler("sess-1", v, perms, sink.emit, nil)

	verdict := h.CheckTool(context.Background(), "Write", "tu1", map[string]any{"file_path": "Blogs/post.md"})
	if !verdict.Allow {
		t.Fatalf("glob-covered write denied: %s", verdict.Reason)
	}
	if len(sink.all()) != 0 {
		t.Error("prompt emitted despite glob match")
	}
}

func TestApprovalGrantWithPattern(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	h := NewHandler("sess-1234567890", v, restrictedPerms(), sink.emit, nil)

	done := make(chan Verdict, 1)
	go func() {
		done <- h.CheckTool(context.Background(), "Write", "tu1", map[string]any{"file_path": "Blogs/post.md"})
	}()

	req := waitForRequest(t, sink)
	if req.Tool != "Write" || req.Path != "Blogs/post.md" {
		t.Errorf("unexpected request payload: %+v", req)
	}
	if len(req.Suggestions) == 0 || req.Suggestions[0] != "Blogs/post.md" {
		t.Errorf("suggestions should start with the file itself: %v", req.Suggestions)
	}

	if !h.Grant(req.RequestID, "Blogs/**") {
		t.Fatal("Grant returned false for pending request")
	}
	verdict := <-done
	if !verdict.Allow {
		t.Fatalf("granted check denied: %s", verdict.Reason)
	}

	// Monotone grants: the same-kind re-check passes without a prompt.
	before := len(sink.all())
	v2 := h.CheckTool(context.Background(), "Write", "tu2", map[string]any{"file_path": "Blogs/another.md"})
	if !v2.Allow {
		t.Fatalf("post-grant write denied: %s", v2.Reason)
	}
	if len(sink.all()) != before {
		t.Error("second check prompted despite granted pattern")
	}

	perms, dirty := h.Permissions()
	if !dirty {
		t.Error("handler not marked dirty after grant")
	}
	if _, ok := mapContains(perms.WriteGlobs, "Blogs/**"); !ok {
		t.Errorf("granted pattern missing from permissions: %v", perms.WriteGlobs)
	}
}

func mapContains(list []string, want string) (int, bool) {
	for i, v := range list {
		if v == want {
			return i, true
		}
	}
	return -1, false
}

func waitForRequest(t *testing.T, sink *eventSink) *models.PermissionPayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range sink.all() {
			if ev.Type == models.EventPermissionRequest {
				return ev.Permission
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no permission_request event observed")
	return nil
}

func TestApprovalDeny(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	h := NewHandler("sess-1", v, restrictedPerms(), sink.emit, nil)

	done := make(chan Verdict, 1)
	go func() {
		done <- h.CheckTool(context.Background(), "Read", "tu1", map[string]any{"file_path": "Secrets.md"})
	}()
	req := waitForRequest(t, sink)

	if !h.Deny(req.RequestID) {
		t.Fatal("Deny returned false")
	}
	if verdict := <-done; verdict.Allow {
		t.Error("denied check allowed")
	}

	// Grant-then-deny idempotence: the second resolution is a no-op.
	if h.Grant(req.RequestID, "**") {
		t.Error("Grant after Deny returned true")
	}
	if h.Deny(req.RequestID) {
		t.Error("second Deny returned true")
	}
}

func TestApprovalTimeout(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	h := NewHandler("sess-1", v, restrictedPerms(), sink.emit, nil,
		WithApprovalTimeout(50*time.Millisecond))

	verdict := h.CheckTool(context.Background(), "Write", "tu1", map[string]any{"file_path": "Notes/x.md"})
	if verdict.Allow {
		t.Error("timed-out request allowed")
	}
	req := waitForRequest(t, sink)
	if h.Grant(req.RequestID, "") {
		t.Error("Grant after timeout returned true")
	}
}

func TestAskQuestionRoundTrip(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	h := NewHandler("sess-1", v, restrictedPerms(), sink.emit, nil)

	h.StashQuestionToolUse("q-tool-use-1")
	done := make(chan map[string]string, 1)
	go func() {
		done <- h.AskQuestion(context.Background(), []models.Question{{Question: "Deploy?"}})
	}()

	var reqID string
	deadline := time.Now().Add(2 * time.Second)
	for reqID == "" && time.Now().Before(deadline) {
		for _, ev := range sink.all() {
			if ev.Type == models.EventUserQuestion {
				reqID = ev.Question.RequestID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if reqID == "" {
		t.Fatal("no user_question event observed")
	}
	if !h.HasPendingQuestion(reqID) {
		t.Error("question not pending")
	}

	if !h.Answer(reqID, map[string]string{"Deploy?": "yes"}) {
		t.Fatal("Answer returned false")
	}
	answers := <-done
	if answers["Deploy?"] != "yes" {
		t.Errorf("answers = %v", answers)
	}
	if h.Answer(reqID, nil) {
		t.Error("second Answer returned true")
	}
}

func TestAskQuestionTimeoutReturnsEmptyMap(t *testing.T) {
	v := testVault(t)
	h := NewHandler("sess-1", v, restrictedPerms(), nil, nil,
		WithQuestionTimeout(50*time.Millisecond))

	answers := h.AskQuestion(context.Background(), []models.Question{{Question: "anyone there?"}})
	if answers == nil {
		t.Fatal("timeout returned nil, want empty map")
	}
	if len(answers) != 0 {
		t.Errorf("timeout answers = %v, want empty", answers)
	}
}

func TestDrainForceResolves(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	h := NewHandler("sess-1", v, restrictedPerms(), sink.emit, nil)

	done := make(chan Verdict, 1)
	go func() {
		done <- h.CheckTool(context.Background(), "Write", "tu1", map[string]any{"file_path": "a.md"})
	}()
	waitForRequest(t, sink)

	h.Drain()
	if verdict := <-done; verdict.Allow {
		t.Error("drained request allowed")
	}

	// After drain, new prompts resolve immediately as denied.
	verdict := h.CheckTool(context.Background(), "Write", "tu2", map[string]any{"file_path": "b.md"})
	if verdict.Allow {
		t.Error("post-drain check allowed")
	}
}

func TestSandboxedDeniesUnknownWithoutPrompt(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	h := NewHandler("sess-1", v, restrictedPerms(), sink.emit, nil)

	verdict := h.CheckTool(context.Background(), "SomeHostTool", "tu1", nil)
	if verdict.Allow {
		t.Error("unknown tool allowed in restricted mode")
	}
	if len(sink.all()) != 0 {
		t.Error("unknown tool produced a prompt")
	}
}

func TestSuggestPatterns(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"Blogs/post.md", []string{"Blogs/post.md", "Blogs/*", "Blogs/**", "**"}},
		{"a/b/c.md", []string{"a/b/c.md", "a/b/*", "a/b/**", "a/**", "**"}},
		{"top.md", []string{"top.md", "**"}},
		{"", []string{"**"}},
	}
	for _, tt := range tests {
		got := SuggestPatterns(tt.path)
		if len(got) != len(tt.want) {
			t.Errorf("SuggestPatterns(%q) = %v, want %v", tt.path, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SuggestPatterns(%q)[%d] = %q, want %q", tt.path, i, got[i], tt.want[i])
			}
		}
	}
}

func TestRegistryGrantBySession(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	reg := NewRegistry()
	h := NewHandler("sess-1", v, restrictedPerms(), sink.emit, nil)
	reg.Register(h)

	done := make(chan Verdict, 1)
	go func() {
		done <- h.CheckTool(context.Background(), "Read", "tu1", map[string]any{"file_path": "Notes/a.md"})
	}()
	req := waitForRequest(t, sink)

	if reg.Grant("wrong-session", req.RequestID, "") {
		t.Error("Grant on wrong session returned true")
	}
	if !reg.Grant("sess-1", req.RequestID, "") {
		t.Fatal("Grant via registry failed")
	}
	if verdict := <-done; !verdict.Allow {
		t.Error("granted check denied")
	}

	reg.Remove("sess-1")
	if _, ok := reg.Lookup("sess-1"); ok {
		t.Error("handler still registered after Remove")
	}
}

func TestRegistryRekey(t *testing.T) {
	v := testVault(t)
	reg := NewRegistry()
	h := NewHandler("pending-x", v, restrictedPerms(), nil, nil)
	reg.Register(h)

	if !reg.Rekey("pending-x", "real-id") {
		t.Fatal("Rekey returned false")
	}
	if _, ok := reg.Lookup("pending-x"); ok {
		t.Error("temp ID still registered")
	}
	if got, ok := reg.Lookup("real-id"); !ok || got.SessionID() != "real-id" {
		t.Error("handler not found under real ID")
	}
}

// Bash list-policy grants should let the same command through next time.
func TestBashGrantAugmentsPolicy(t *testing.T) {
	v := testVault(t)
	sink := &eventSink{}
	h := NewHandler("sess-1", v, restrictedPerms(), sink.emit, nil)

	done := make(chan Verdict, 1)
	go func() {
		done <- h.CheckTool(context.Background(), "Bash", "tu1", map[string]any{"command": "git status"})
	}()
	req := waitForRequest(t, sink)
	if !h.Grant(req.RequestID, "git") {
		t.Fatal("Grant failed")
	}
	if verdict := <-done; !verdict.Allow {
		t.Fatalf("granted bash denied: %s", verdict.Reason)
	}

	before := len(sink.all())
	verdict := h.CheckTool(context.Background(), "Bash", "tu2", map[string]any{"command": "git log"})
	if !verdict.Allow {
		t.Fatalf("post-grant git command denied: %s", verdict.Reason)
	}
	if len(sink.all()) != before {
		t.Error("post-grant bash check prompted")
	}
}
