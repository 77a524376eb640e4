// Package sandbox manages the isolation containers a turn can execute
// in: ephemeral, persistent per session, and named shared environments.
// The container runtime is driven through the docker CLI.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind labels the three container flavors.
type Kind string

const (
	KindEphemeral Kind = "ephemeral"
	KindSession   Kind = "session"
	KindNamedEnv  Kind = "named-env"
)

const (
	namePrefixEphemeral = "parachute-sandbox-"
	namePrefixSession   = "parachute-session-"
	namePrefixEnv       = "parachute-env-"

	// labelApp marks every container this server owns.
	labelApp = "parachute"

	// hardeningVersion is bumped whenever the hardening flag set
	// changes, forcing stale containers to be rebuilt on reuse.
	hardeningVersion = "v3"

	// scratchPath is the writable tmpfs inside every container.
	scratchPath = "/scratch"

	// bridgeNetwork is the dedicated network for turns with egress.
	bridgeNetwork = "parachute-net"

	// gatewayAlias resolves to the host from inside the bridge network.
	gatewayAlias = "host.parachute.internal"
)

// Config is the sandbox build configuration.
type Config struct {
	// Image is the sandbox image tag.
	Image string

	// EphemeralMemoryMB caps ephemeral containers (default 512).
	EphemeralMemoryMB int

	// PersistentMemoryMB caps session and env containers (default 1536).
	PersistentMemoryMB int

	// CPUs is the CPU quota per container (default 1.0).
	CPUs float64

	// TurnTimeout is the wall-clock deadline for one exec
	// (default 10 min).
	TurnTimeout time.Duration

	// Entrypoint is the in-container agent launcher (default
	// "parachute-agent").
	Entrypoint string
}

func (c *Config) applyDefaults() {
	if c.Image == "" {
		c.Image = "parachute/sandbox:latest"
	}
	if c.EphemeralMemoryMB == 0 {
		c.EphemeralMemoryMB = 512
	}
	if c.PersistentMemoryMB == 0 {
		c.PersistentMemoryMB = 1536
	}
	if c.CPUs == 0 {
		c.CPUs = 1.0
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = 10 * time.Minute
	}
	if c.Entrypoint == "" {
		c.Entrypoint = "parachute-agent"
	}
}

// Hash is the deterministic digest over the build parameters. Containers
// whose config_hash label disagrees are removed on startup so next use
// recreates them.
func (c Config) Hash() string {
	c.applyDefaults()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%.2f|%s",
		c.Image, c.EphemeralMemoryMB, c.PersistentMemoryMB, c.CPUs, hardeningVersion)))
	return hex.EncodeToString(sum[:])[:12]
}

// EphemeralName is parachute-sandbox-<sid12>.
func EphemeralName(sessionID string) string {
	return namePrefixEphemeral + shortID(sessionID)
}

// SessionName is parachute-session-<sid12>.
func SessionName(sessionID string) string {
	return namePrefixSession + shortID(sessionID)
}

// EnvName is parachute-env-<slug>.
func EnvName(slug string) string {
	return namePrefixEnv + slug
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// legacyPrefixes are container name prefixes from older releases,
// removed unconditionally during reconciliation.
var legacyPrefixes = []string{"parachute-agent-", "parachute-exec-"}

func isLegacyName(name string) bool {
	for _, prefix := range legacyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// CLI abstracts the docker binary so tests run without a container
// runtime.
type CLI interface {
	// Run executes docker with args, returning trimmed stdout.
	Run(ctx context.Context, args ...string) (string, error)

	// Stream executes docker with args, feeding stdin and returning the
	// process stdout plus wait and kill handles.
	Stream(ctx context.Context, stdin io.Reader, args ...string) (Proc, error)
}

// Proc is one streaming docker invocation.
type Proc interface {
	Stdout() io.Reader
	// Wait blocks for exit and returns the exit code.
	Wait() (int, error)
	Kill()
}
