package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// dockerCLI shells out to the docker binary, the same way code execution
// sandboxes do.
type dockerCLI struct {
	binary string
}

// NewDockerCLI returns the production CLI. Available reports whether the
// binary exists on PATH.
func NewDockerCLI() CLI {
	return &dockerCLI{binary: "docker"}
}

// Available reports whether a docker binary is reachable.
func Available() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}

func (d *dockerCLI) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("docker %s: %s", firstArg(args), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *dockerCLI) Stream(ctx context.Context, stdin io.Reader, args ...string) (Proc, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Stdin = stdin
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker %s: %w", firstArg(args), err)
	}
	return &dockerProc{cmd: cmd, stdout: stdout}, nil
}

type dockerProc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *dockerProc) Stdout() io.Reader { return p.stdout }

func (p *dockerProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *dockerProc) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
