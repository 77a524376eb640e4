package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/internal/agent"
	"github.com/parachute-dev/parachute/internal/observability"
	"github.com/parachute-dev/parachute/internal/perrors"
	"github.com/parachute-dev/parachute/internal/vault"
	"github.com/parachute-dev/parachute/pkg/models"
)

// exitOOM is the code the kernel's OOM killer leaves behind.
const exitOOM = 137

// oomNotice is the user-facing message emitted after an OOM recovery.
const oomNotice = "The sandbox ran out of memory and was restarted. Your session state was preserved; please retry the last request."

// Manager owns container lifecycle. Container names double as the
// mutual-exclusion tokens: a per-name lock guards create/start/destroy.
type Manager struct {
	cli     CLI
	vlt     *vault.Vault
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a sandbox manager. The CLI is injectable for tests;
// pass NewDockerCLI() in production.
func NewManager(cli CLI, vlt *vault.Vault, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Manager{
		cli:     cli,
		vlt:     vlt,
		cfg:     cfg,
		logger:  logger.With("component", "sandbox"),
		metrics: metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ConfigHash exposes the current build digest.
func (m *Manager) ConfigHash() string {
	return m.cfg.Hash()
}

func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}

// RunOptions describe one sandboxed turn.
type RunOptions struct {
	SessionID string
	Source    models.SessionSource
	Message   string

	// Resume is the runtime session to continue inside the container.
	Resume string

	// EnvSlug selects a named shared environment instead of the
	// per-session container.
	EnvSlug string

	// Ephemeral runs a throwaway container instead of a persistent one.
	Ephemeral bool

	NetworkEnabled bool
	ReadGlobs      []string
	WriteGlobs     []string
	PluginDirs     []string
	SystemPrompt   string

	// Token is the LLM credential handed to the entrypoint.
	Token string

	// Capabilities is the tool manifest for the in-container runtime.
	Capabilities []string

	// Credentials are operator secrets. Only injected for known non-bot
	// sources; see entryPayload.
	Credentials map[string]string

	// Control, when set, is read after the payload and forwarded to the
	// entrypoint's stdin. Permission verdicts travel here.
	Control io.Reader
}

// entryPayload is the JSON blob written to the entrypoint's stdin.
// Secrets travel here, never in env vars or labels.
type entryPayload struct {
	Token        string            `json:"token,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Resume       string            `json:"resume,omitempty"`
	Credentials  map[string]string `json:"credentials"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Message      string            `json:"message"`
}

// buildPayload applies the credential injection policy: bot and unknown
// sources always get an empty map. Hard rule, no configuration override.
func buildPayload(opts RunOptions) entryPayload {
	creds := map[string]string{}
	if opts.Source.Trusted() {
		for k, v := range opts.Credentials {
			creds[k] = v
		}
	}
	return entryPayload{
		Token:        opts.Token,
		Capabilities: opts.Capabilities,
		Resume:       opts.Resume,
		Credentials:  creds,
		SystemPrompt: opts.SystemPrompt,
		Message:      opts.Message,
	}
}

// hardeningArgs is the kernel-surface clamp shared by every container.
func (m *Manager) hardeningArgs(memoryMB int) []string {
	return []string{
		"--init",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--pids-limit", "100",
		"--ulimit", "nofile=1024:1024",
		"--ulimit", "nproc=256:256",
		"--memory", fmt.Sprintf("%dm", memoryMB),
		"--memory-swap", fmt.Sprintf("%dm", memoryMB), // no swap
		"--cpus", fmt.Sprintf("%.2f", m.cfg.CPUs),
		"--tmpfs", scratchPath + ":rw,size=512m,uid=1000",
		"--tmpfs", "/tmp:rw,size=64m,uid=1000",
		"--tmpfs", "/run:rw,size=16m,uid=1000",
	}
}

func (m *Manager) networkArgs(ctx context.Context, enabled bool) ([]string, error) {
	if !enabled {
		return []string{"--network", "none"}, nil
	}
	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	return []string{
		"--network", bridgeNetwork,
		"--add-host", gatewayAlias + ":host-gateway",
	}, nil
}

// ensureNetwork creates the bridge network idempotently.
func (m *Manager) ensureNetwork(ctx context.Context) error {
	if _, err := m.cli.Run(ctx, "network", "inspect", bridgeNetwork); err == nil {
		return nil
	}
	if _, err := m.cli.Run(ctx, "network", "create", bridgeNetwork); err != nil {
		// Lost a create race; inspect settles it.
		if _, inspectErr := m.cli.Run(ctx, "network", "inspect", bridgeNetwork); inspectErr != nil {
			return fmt.Errorf("create network %s: %w", bridgeNetwork, err)
		}
	}
	return nil
}

// mountArgs assembles the filesystem view: allowed glob directories (read
// globs ro, write globs rw), whole vault ro when no allow list, plus the
// always-mounted config surfaces.
func (m *Manager) mountArgs(opts RunOptions) []string {
	var args []string
	mounted := make(map[string]bool)
	mount := func(hostPath, containerPath, mode string) {
		if hostPath == "" || mounted[containerPath] {
			return
		}
		if _, err := os.Stat(hostPath); err != nil {
			return
		}
		mounted[containerPath] = true
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", hostPath, containerPath, mode))
	}

	if len(opts.ReadGlobs) == 0 && len(opts.WriteGlobs) == 0 {
		mount(m.vlt.Root(), "/vault", "ro")
	} else {
		for _, dir := range globDirs(opts.WriteGlobs) {
			mount(m.vlt.Abs(dir), "/vault/"+dir, "rw")
		}
		for _, dir := range globDirs(opts.ReadGlobs) {
			mount(m.vlt.Abs(dir), "/vault/"+dir, "ro")
		}
	}

	mount(m.vlt.MCPConfigPath(), "/config/mcp.json", "ro")
	mount(m.vlt.SkillsDir(), "/config/skills", "ro")
	mount(m.vlt.AgentsDir(), "/config/agents", "ro")
	mount(m.vlt.ContextFilePath(), "/vault/CLAUDE.md", "ro")
	for i, dir := range opts.PluginDirs {
		mount(dir, fmt.Sprintf("/config/plugins/%d", i), "ro")
	}
	return args
}

// globDirs strips glob suffixes down to unique mountable directories.
func globDirs(globs []string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, g := range globs {
		dir := vault.GlobBase(g)
		if dir == "." || dir == "" || strings.Contains(dir, "*") {
			continue
		}
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

func labelArgs(kind Kind, sessionID, envSlug, hash string) []string {
	args := []string{
		"--label", "app=" + labelApp,
		"--label", "type=" + string(kind),
		"--label", "config_hash=" + hash,
	}
	if sessionID != "" {
		args = append(args, "--label", "session_id="+sessionID)
	}
	if envSlug != "" {
		args = append(args, "--label", "env_slug="+envSlug)
	}
	return args
}

// EnsureSessionContainer makes the per-session container runnable:
// running is left alone, stopped is started, anything else is replaced.
func (m *Manager) EnsureSessionContainer(ctx context.Context, sessionID string, opts RunOptions) error {
	name := SessionName(sessionID)
	home := m.vlt.SandboxSessionDir(models.ShortSessionID(sessionID))
	return m.ensurePersistent(ctx, name, home, KindSession, sessionID, "", opts)
}

// EnsureNamedContainer is EnsureSessionContainer scoped to an
// environment slug.
func (m *Manager) EnsureNamedContainer(ctx context.Context, slug string, opts RunOptions) error {
	name := EnvName(slug)
	home := m.vlt.SandboxEnvDir(slug)
	return m.ensurePersistent(ctx, name, home, KindNamedEnv, "", slug, opts)
}

func (m *Manager) ensurePersistent(ctx context.Context, name, home string, kind Kind, sessionID, envSlug string, opts RunOptions) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.containerState(ctx, name)
	if err != nil {
		return err
	}
	switch state {
	case "running":
		return nil
	case "exited", "created", "paused":
		if _, err := m.cli.Run(ctx, "start", name); err == nil {
			return nil
		}
		// Unstartable leftover; replace it.
		fallthrough
	default:
		if state != "" {
			if _, err := m.cli.Run(ctx, "rm", "-f", name); err != nil {
				m.logger.Warn("failed to remove leftover container", "container", name, "error", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Join(home, ".claude"), 0o700); err != nil {
		return fmt.Errorf("create container home: %w", err)
	}

	args := []string{"create", "--name", name}
	args = append(args, labelArgs(kind, sessionID, envSlug, m.cfg.Hash())...)
	args = append(args, m.hardeningArgs(m.cfg.PersistentMemoryMB)...)
	net, err := m.networkArgs(ctx, opts.NetworkEnabled)
	if err != nil {
		return err
	}
	args = append(args, net...)
	args = append(args, m.mountArgs(opts)...)
	args = append(args, "-v", filepath.Join(home, ".claude")+":/home/agent/.claude:rw")
	args = append(args, m.cfg.Image, "sleep", "infinity")

	if _, err := m.cli.Run(ctx, args...); err != nil {
		return perrors.Sandbox("create container "+name, err)
	}
	if _, err := m.cli.Run(ctx, "start", name); err != nil {
		return perrors.Sandbox("start container "+name, err)
	}
	m.logger.Info("container created", "container", name, "kind", kind)
	return nil
}

// containerState returns the docker state string, or "" when the name is
// unknown.
func (m *Manager) containerState(ctx context.Context, name string) (string, error) {
	out, err := m.cli.Run(ctx, "inspect", "-f", "{{.State.Status}}", name)
	if err != nil {
		// Inspect fails for unknown names; that is the signal to create.
		return "", nil
	}
	return strings.TrimSpace(out), nil
}

// RunSession executes one turn inside the session's container (or the
// named environment when EnvSlug is set, or a throwaway when Ephemeral).
// Events stream back as the entrypoint writes JSONL; the wall-clock
// deadline kills the exec and yields a synthetic error; exit 137 removes
// the container so the next call recreates it, and surfaces an OOM note.
func (m *Manager) RunSession(ctx context.Context, opts RunOptions) (<-chan agent.RuntimeEvent, error) {
	payload, err := json.Marshal(buildPayload(opts))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var (
		name string
		kind Kind
		args []string
	)
	switch {
	case opts.Ephemeral:
		name = EphemeralName(opts.SessionID)
		kind = KindEphemeral
		args = []string{"run", "--rm", "-i", "--name", name}
		args = append(args, labelArgs(KindEphemeral, opts.SessionID, "", m.cfg.Hash())...)
		args = append(args, m.hardeningArgs(m.cfg.EphemeralMemoryMB)...)
		net, err := m.networkArgs(ctx, opts.NetworkEnabled)
		if err != nil {
			return nil, err
		}
		args = append(args, net...)
		args = append(args, m.mountArgs(opts)...)
		args = append(args, m.cfg.Image, m.cfg.Entrypoint)
	case opts.EnvSlug != "":
		if err := m.EnsureNamedContainer(ctx, opts.EnvSlug, opts); err != nil {
			return nil, err
		}
		name = EnvName(opts.EnvSlug)
		kind = KindNamedEnv
		args = []string{"exec", "-i", name, m.cfg.Entrypoint}
	default:
		if err := m.EnsureSessionContainer(ctx, opts.SessionID, opts); err != nil {
			return nil, err
		}
		name = SessionName(opts.SessionID)
		kind = KindSession
		args = []string{"exec", "-i", name, m.cfg.Entrypoint}
	}

	var stdin io.Reader = bytes.NewReader(append(payload, '\n'))
	if opts.Control != nil {
		stdin = io.MultiReader(stdin, opts.Control)
	}
	execCtx, cancel := context.WithTimeout(ctx, m.cfg.TurnTimeout)
	proc, err := m.cli.Stream(execCtx, stdin, args...)
	if err != nil {
		cancel()
		return nil, perrors.Sandbox("exec in "+name, err)
	}

	events := make(chan agent.RuntimeEvent, 64)
	go m.pumpExec(execCtx, cancel, proc, name, kind, events)
	return events, nil
}

// pumpExec forwards entrypoint JSONL to the event channel and settles the
// exit: deadline, OOM, plain failure, or clean end.
func (m *Manager) pumpExec(ctx context.Context, cancel context.CancelFunc, proc Proc, name string, kind Kind, events chan<- agent.RuntimeEvent) {
	defer cancel()
	defer close(events)

	sawTerminal := false
	scanner := bufio.NewScanner(proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev agent.RuntimeEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			m.logger.Warn("malformed sandbox event", "container", name, "error", err)
			continue
		}
		if ev.Type == "result" {
			sawTerminal = true
		}
		events <- ev
	}

	code, waitErr := proc.Wait()
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		proc.Kill()
		m.countExec(kind, "timeout")
		m.logger.Warn("sandbox exec deadline exceeded", "container", name)
		events <- agent.RuntimeEvent{
			Type: "result", IsError: true,
			Result: "The sandboxed turn exceeded its time limit and was stopped.",
		}
	case code == exitOOM:
		m.countExec(kind, "oom")
		m.logger.Warn("sandbox container OOM-killed, removing", "container", name)
		// Remove outside the per-turn context so cleanup survives
		// cancellation.
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := m.cli.Run(rmCtx, "rm", "-f", name); err != nil {
			m.logger.Error("failed to remove OOM container", "container", name, "error", err)
		}
		rmCancel()
		events <- agent.RuntimeEvent{Type: "result", Subtype: "oom", IsError: true, Result: oomNotice}
	case waitErr != nil:
		m.countExec(kind, "error")
		events <- agent.RuntimeEvent{
			Type: "result", IsError: true,
			Result: fmt.Sprintf("sandbox exec failed: %v", waitErr),
		}
	case code != 0:
		m.countExec(kind, "error")
		events <- agent.RuntimeEvent{
			Type: "result", IsError: true,
			Result: fmt.Sprintf("sandbox entrypoint exited with code %d", code),
		}
	default:
		m.countExec(kind, "ok")
		if !sawTerminal {
			events <- agent.RuntimeEvent{Type: "result", Result: ""}
		}
	}
}

func (m *Manager) countExec(kind Kind, outcome string) {
	if m.metrics != nil {
		m.metrics.SandboxExecs.WithLabelValues(string(kind), outcome).Inc()
	}
}

// StopSessionContainer grace-stops the session's container.
func (m *Manager) StopSessionContainer(ctx context.Context, sessionID string) error {
	name := SessionName(sessionID)
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()
	if _, err := m.cli.Run(ctx, "stop", "-t", "5", name); err != nil {
		return perrors.Sandbox("stop container "+name, err)
	}
	return nil
}

// DeleteSessionContainer force-removes the session's container. Called
// when the session is deleted or archived.
func (m *Manager) DeleteSessionContainer(ctx context.Context, sessionID string) error {
	return m.forceRemove(ctx, SessionName(sessionID))
}

// DeleteNamedContainer force-removes a named environment container.
func (m *Manager) DeleteNamedContainer(ctx context.Context, slug string) error {
	return m.forceRemove(ctx, EnvName(slug))
}

func (m *Manager) forceRemove(ctx context.Context, name string) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()
	if _, err := m.cli.Run(ctx, "rm", "-f", name); err != nil {
		return perrors.Sandbox("remove container "+name, err)
	}
	m.logger.Info("container removed", "container", name)
	return nil
}
