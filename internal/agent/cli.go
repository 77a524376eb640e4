package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// maxLineBytes caps one NDJSON line from the CLI. Assistant messages
	// with large tool results can run long.
	maxLineBytes = 1024 * 1024

	// interruptGrace is how long Interrupt waits before killing.
	interruptGrace = 5 * time.Second
)

// CLIRuntime runs the agent CLI as a host subprocess.
type CLIRuntime struct {
	executable string
	logger     *slog.Logger
}

// NewCLIRuntime builds the host runtime. An empty executable defaults to
// "claude" on PATH.
func NewCLIRuntime(executable string, logger *slog.Logger) *CLIRuntime {
	if executable == "" {
		executable = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRuntime{
		executable: executable,
		logger:     logger.With("component", "agent"),
	}
}

// BuildArgs assembles the CLI argument list for one turn. Shared with the
// sandbox manager, which runs the identical protocol inside a container.
func BuildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, dir := range opts.PluginDirs {
		args = append(args, "--plugin-dir", dir)
	}
	return args
}

// Start spawns the CLI and begins scanning its stdout.
func (r *CLIRuntime) Start(ctx context.Context, opts Options) (Turn, error) {
	exe := opts.Executable
	if exe == "" {
		exe = r.executable
	}
	if _, err := exec.LookPath(exe); err != nil {
		return nil, fmt.Errorf("agent executable %q not found: %w", exe, err)
	}

	cmd := exec.CommandContext(ctx, exe, BuildArgs(opts)...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Env = append(os.Environ(), opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	t := &cliTurn{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan RuntimeEvent, 64),
		logger: r.logger,
	}
	go t.readLoop(stdout)
	go t.sendPrompt(opts)
	return t, nil
}

type cliTurn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan RuntimeEvent
	logger *slog.Logger

	stdinMu  sync.Mutex
	waitOnce sync.Once
	waitErr  error
}

func (t *cliTurn) Events() <-chan RuntimeEvent { return t.events }

// sendPrompt writes the user message as the first stdin frame.
func (t *cliTurn) sendPrompt(opts Options) {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": opts.Prompt},
			},
		},
	}
	if err := t.writeJSON(msg); err != nil {
		t.logger.Error("failed to send prompt", "error", err)
	}
}

// readLoop scans NDJSON lines into events until EOF, then closes the
// channel.
func (t *cliTurn) readLoop(stdout io.Reader) {
	defer close(t.events)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev RuntimeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			t.logger.Warn("malformed runtime event", "error", err)
			ev = RuntimeEvent{Type: "parse_error", ParseError: string(line)}
		}
		t.events <- ev
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("runtime stdout scan ended", "error", err)
	}
}

// Interrupt closes stdin and signals the process; a hard kill follows if
// it lingers past the grace window.
func (t *cliTurn) Interrupt() {
	t.stdinMu.Lock()
	_ = t.stdin.Close()
	t.stdinMu.Unlock()

	if t.cmd.Process == nil {
		return
	}
	_ = t.cmd.Process.Signal(os.Interrupt)
	go func() {
		timer := time.NewTimer(interruptGrace)
		defer timer.Stop()
		done := make(chan struct{})
		go func() {
			_ = t.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-timer.C:
			_ = t.cmd.Process.Kill()
		}
	}()
}

// Respond answers a control request on stdin.
func (t *cliTurn) Respond(requestID string, response any) error {
	return t.writeJSON(ControlResponse{
		Type:      "control_response",
		RequestID: requestID,
		Response:  response,
	})
}

func (t *cliTurn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.stdinMu.Lock()
	defer t.stdinMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Wait reaps the subprocess exactly once.
func (t *cliTurn) Wait() error {
	t.waitOnce.Do(func() {
		t.waitErr = t.cmd.Wait()
	})
	return t.waitErr
}
