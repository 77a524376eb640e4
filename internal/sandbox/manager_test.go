package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parachute-dev/parachute/internal/vault"
	"github.com/parachute-dev/parachute/pkg/models"
)

type fakeCLI struct {
	mu     sync.Mutex
	calls  [][]string
	run    func(args []string) (string, error)
	stream func(stdin io.Reader, args []string) (Proc, error)
}

func (f *fakeCLI) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(args)
	}
	return "", nil
}

func (f *fakeCLI) Stream(_ context.Context, stdin io.Reader, args ...string) (Proc, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{"stream"}, args...))
	f.mu.Unlock()
	if f.stream != nil {
		return f.stream(stdin, args)
	}
	return &fakeProc{out: strings.NewReader("")}, nil
}

func (f *fakeCLI) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		return nil
	}
	return f.calls[i]
}

func (f *fakeCLI) hasCall(prefix ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if len(call) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if call[i] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

type fakeProc struct {
	out    io.Reader
	code   int
	err    error
	killed bool
}

func (p *fakeProc) Stdout() io.Reader  { return p.out }
func (p *fakeProc) Wait() (int, error) { return p.code, p.err }
func (p *fakeProc) Kill()              { p.killed = true }

func testManager(t *testing.T, cli CLI) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	vlt, err := vault.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(cli, vlt, Config{Image: "parachute/agent:test"}, logger, nil)
}

func TestConfigHashStability(t *testing.T) {
	a := Config{Image: "img"}
	a.applyDefaults()
	b := Config{Image: "img"}
	b.applyDefaults()
	if a.Hash() != b.Hash() {
		t.Fatal("identical configs should hash identically")
	}
	if len(a.Hash()) != 12 {
		t.Fatalf("hash length = %d, want 12", len(a.Hash()))
	}
	c := Config{Image: "img", PersistentMemoryMB: 2048}
	c.applyDefaults()
	if a.Hash() == c.Hash() {
		t.Fatal("changed memory limit should change the hash")
	}
}

func TestContainerNames(t *testing.T) {
	sid := "0199c3ad-7e89-4f6e-b7aa-112233445566"
	if got := SessionName(sid); got != "parachute-session-0199c3ad7e89" {
		t.Fatalf("SessionName = %q", got)
	}
	if got := EphemeralName(sid); got != "parachute-sandbox-0199c3ad7e89" {
		t.Fatalf("EphemeralName = %q", got)
	}
	if got := EnvName("build-env"); got != "parachute-env-build-env" {
		t.Fatalf("EnvName = %q", got)
	}
}

func TestLegacyNames(t *testing.T) {
	for name, want := range map[string]bool{
		"parachute-agent-abc123":   true,
		"parachute-exec-abc123":    true,
		"parachute-session-abc123": false,
		"postgres":                 false,
	} {
		if got := isLegacyName(name); got != want {
			t.Errorf("isLegacyName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestPayloadCredentialPolicy(t *testing.T) {
	creds := map[string]string{"GITHUB_TOKEN": "ghp_secret"}

	p := buildPayload(RunOptions{Source: models.SourceWeb, Credentials: creds, Message: "hi"})
	if p.Credentials["GITHUB_TOKEN"] != "ghp_secret" {
		t.Fatal("web source should receive credentials")
	}

	for _, src := range []models.SessionSource{models.SourceTelegram, models.SourceDiscord, models.SourceMatrix, models.SessionSource("other")} {
		p := buildPayload(RunOptions{Source: src, Credentials: creds, Message: "hi"})
		if len(p.Credentials) != 0 {
			t.Fatalf("source %q should not receive credentials", src)
		}
		if p.Credentials == nil {
			t.Fatalf("source %q: credentials must serialize as {}, not null", src)
		}
	}
}

func TestGlobDirs(t *testing.T) {
	got := globDirs([]string{"Notes/**", "Notes/*", "Projects/app/**", "**", "*.md"})
	want := []string{"Notes", "Projects/app"}
	if len(got) != len(want) {
		t.Fatalf("globDirs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("globDirs = %v, want %v", got, want)
		}
	}
}

func TestEnsureRunningIsNoop(t *testing.T) {
	cli := &fakeCLI{run: func(args []string) (string, error) {
		if args[0] == "inspect" {
			return "running\n", nil
		}
		return "", nil
	}}
	m := testManager(t, cli)
	if err := m.EnsureSessionContainer(context.Background(), "0199c3ad-7e89-4f6e-b7aa-112233445566", RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if cli.hasCall("create") || cli.hasCall("start") {
		t.Fatal("running container must not be recreated or restarted")
	}
}

func TestEnsureStoppedStarts(t *testing.T) {
	cli := &fakeCLI{run: func(args []string) (string, error) {
		if args[0] == "inspect" {
			return "exited", nil
		}
		return "", nil
	}}
	m := testManager(t, cli)
	if err := m.EnsureSessionContainer(context.Background(), "0199c3ad-7e89-4f6e-b7aa-112233445566", RunOptions{}); err != nil {
		t.Fatal(err)
	}
	if !cli.hasCall("start", "parachute-session-0199c3ad7e89") {
		t.Fatal("stopped container should be started")
	}
	if cli.hasCall("create") {
		t.Fatal("stopped container should not be recreated")
	}
}

func TestEnsureMissingCreatesHardened(t *testing.T) {
	cli := &fakeCLI{run: func(args []string) (string, error) {
		if args[0] == "inspect" {
			return "", &exitError{} // unknown name
		}
		return "", nil
	}}
	m := testManager(t, cli)
	if err := m.EnsureSessionContainer(context.Background(), "0199c3ad-7e89-4f6e-b7aa-112233445566", RunOptions{}); err != nil {
		t.Fatal(err)
	}

	var create []string
	cli.mu.Lock()
	for _, call := range cli.calls {
		if call[0] == "create" {
			create = call
		}
	}
	cli.mu.Unlock()
	if create == nil {
		t.Fatal("missing container should be created")
	}
	joined := strings.Join(create, " ")
	for _, want := range []string{
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--pids-limit 100",
		"--network none",
		"--label app=parachute",
		"--label type=session",
		"--label config_hash=" + m.ConfigHash(),
		"sleep infinity",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("create args missing %q\nargs: %s", want, joined)
		}
	}
	if !cli.hasCall("start", "parachute-session-0199c3ad7e89") {
		t.Fatal("created container should be started")
	}
}

type exitError struct{}

func (*exitError) Error() string { return "No such container" }

func TestRunSessionStreamsEvents(t *testing.T) {
	lines := `{"type":"system","subtype":"init","session_id":"rt-1"}
{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}
{"type":"result","subtype":"success","result":"done"}
`
	cli := &fakeCLI{
		run: func(args []string) (string, error) {
			if args[0] == "inspect" {
				return "running", nil
			}
			return "", nil
		},
		stream: func(stdin io.Reader, args []string) (Proc, error) {
			var payload entryPayload
			if err := json.NewDecoder(stdin).Decode(&payload); err != nil {
				t.Errorf("stdin payload: %v", err)
			}
			if payload.Message != "hello" {
				t.Errorf("payload message = %q", payload.Message)
			}
			return &fakeProc{out: strings.NewReader(lines)}, nil
		},
	}
	m := testManager(t, cli)

	events, err := m.RunSession(context.Background(), RunOptions{
		SessionID: "0199c3ad-7e89-4f6e-b7aa-112233445566",
		Source:    models.SourceWeb,
		Message:   "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{"system", "assistant", "result"}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}
	if !cli.hasCall("stream", "exec", "-i", "parachute-session-0199c3ad7e89") {
		t.Fatal("turn should exec into the session container")
	}
}

func TestRunSessionOOMRemovesContainer(t *testing.T) {
	cli := &fakeCLI{
		run: func(args []string) (string, error) {
			if args[0] == "inspect" {
				return "running", nil
			}
			return "", nil
		},
		stream: func(io.Reader, []string) (Proc, error) {
			return &fakeProc{out: strings.NewReader(""), code: 137, err: &exitError{}}, nil
		},
	}
	m := testManager(t, cli)

	events, err := m.RunSession(context.Background(), RunOptions{
		SessionID: "0199c3ad-7e89-4f6e-b7aa-112233445566",
		Source:    models.SourceWeb,
		Message:   "hi",
	})
	if err != nil {
		t.Fatal(err)
	}

	var last string
	sawOOM := false
	for ev := range events {
		last = ev.Type
		if ev.Subtype == "oom" && ev.IsError {
			sawOOM = true
			if !strings.Contains(ev.Result, "out of memory") {
				t.Errorf("OOM note = %q", ev.Result)
			}
		}
	}
	if last != "result" || !sawOOM {
		t.Fatal("OOM exit should surface a user-facing error result")
	}
	if !cli.hasCall("rm", "-f", "parachute-session-0199c3ad7e89") {
		t.Fatal("OOM-killed container must be removed")
	}
}

func TestRunSessionNonzeroExit(t *testing.T) {
	cli := &fakeCLI{
		run: func(args []string) (string, error) {
			if args[0] == "inspect" {
				return "running", nil
			}
			return "", nil
		},
		stream: func(io.Reader, []string) (Proc, error) {
			return &fakeProc{out: strings.NewReader(""), code: 2}, nil
		},
	}
	m := testManager(t, cli)

	events, err := m.RunSession(context.Background(), RunOptions{
		SessionID: "0199c3ad-7e89-4f6e-b7aa-112233445566",
		Source:    models.SourceWeb,
		Message:   "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	var sawErr bool
	for ev := range events {
		if ev.Type == "result" && ev.IsError {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("nonzero exit should yield an error result event")
	}
}

func TestRunSessionEphemeral(t *testing.T) {
	cli := &fakeCLI{
		stream: func(_ io.Reader, args []string) (Proc, error) {
			joined := strings.Join(args, " ")
			if !strings.HasPrefix(joined, "run --rm -i") {
				t.Errorf("ephemeral args = %s", joined)
			}
			return &fakeProc{out: strings.NewReader(`{"type":"result","result":"ok"}` + "\n")}, nil
		},
	}
	m := testManager(t, cli)

	events, err := m.RunSession(context.Background(), RunOptions{
		SessionID: "0199c3ad-7e89-4f6e-b7aa-112233445566",
		Source:    models.SourceCLI,
		Message:   "hi",
		Ephemeral: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for range events {
	}
	if cli.hasCall("create") {
		t.Fatal("ephemeral turns must not create persistent containers")
	}
}

func TestRunSessionNetworkEnabled(t *testing.T) {
	cli := &fakeCLI{
		run: func(args []string) (string, error) {
			if args[0] == "network" && args[1] == "inspect" {
				return "", &exitError{}
			}
			return "", nil
		},
		stream: func(_ io.Reader, args []string) (Proc, error) {
			joined := strings.Join(args, " ")
			if !strings.Contains(joined, "--network parachute-net") {
				t.Errorf("missing bridge network: %s", joined)
			}
			if !strings.Contains(joined, "--add-host host.parachute.internal:host-gateway") {
				t.Errorf("missing gateway alias: %s", joined)
			}
			return &fakeProc{out: strings.NewReader("")}, nil
		},
	}
	m := testManager(t, cli)

	events, err := m.RunSession(context.Background(), RunOptions{
		SessionID:      "0199c3ad-7e89-4f6e-b7aa-112233445566",
		Source:         models.SourceWeb,
		Message:        "hi",
		Ephemeral:      true,
		NetworkEnabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for range events {
	}
	if !cli.hasCall("network", "create", "parachute-net") {
		t.Fatal("missing network should be created")
	}
}

func TestReconcile(t *testing.T) {
	sid := "0199c3ad-7e89-4f6e-b7aa-112233445566"
	cli := &fakeCLI{}
	m := testManager(t, cli)
	hash := m.ConfigHash()

	listing := strings.Join([]string{
		"parachute-session-0199c3ad7e89|session|" + sid + "||" + hash,
		"parachute-session-deadbeef0000|session|gone-session||" + hash,
		"parachute-session-aaaaaaaaaaaa|session|" + sid + "||oldhash000000",
		"parachute-env-build|named-env||build|" + hash,
	}, "\n")

	cli.run = func(args []string) (string, error) {
		if args[0] == "ps" && len(args) >= 4 && strings.HasPrefix(args[3], "label=") {
			return listing, nil
		}
		if args[0] == "ps" {
			return "parachute-agent-old1\nparachute-session-0199c3ad7e89\nunrelated\n", nil
		}
		return "", nil
	}

	if err := m.Reconcile(context.Background(), []string{sid}); err != nil {
		t.Fatal(err)
	}

	if !cli.hasCall("rm", "-f", "parachute-session-deadbeef0000") {
		t.Error("orphaned session container should be removed")
	}
	if !cli.hasCall("rm", "-f", "parachute-session-aaaaaaaaaaaa") {
		t.Error("stale config hash should be removed")
	}
	if !cli.hasCall("rm", "-f", "parachute-agent-old1") {
		t.Error("legacy-named container should be removed")
	}
	if cli.hasCall("rm", "-f", "parachute-session-0199c3ad7e89") {
		t.Error("active session container must survive reconcile")
	}
	if cli.hasCall("rm", "-f", "parachute-env-build") {
		t.Error("current named environment must survive reconcile")
	}
	if cli.hasCall("rm", "-f", "unrelated") {
		t.Error("containers outside our prefixes must never be touched")
	}
}

func TestTurnTimeoutDefault(t *testing.T) {
	var c Config
	c.applyDefaults()
	if c.TurnTimeout != 10*time.Minute {
		t.Fatalf("default turn timeout = %v", c.TurnTimeout)
	}
}
