// Package config loads the server configuration from YAML (or JSON5),
// resolves $include directives, expands environment references, and
// applies PARACHUTE_* environment overrides on top.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/parachute-dev/parachute/pkg/models"
)

// Config is the root configuration document.
type Config struct {
	Vault    VaultConfig    `yaml:"vault"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Agent    AgentConfig    `yaml:"agent"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Channels ChannelsConfig `yaml:"channels"`
	Curator  CuratorConfig  `yaml:"curator"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Jobs     JobsConfig     `yaml:"jobs"`

	// Credentials are operator secrets offered to sandboxed turns from
	// trusted sources. Keys are env-var style names.
	Credentials map[string]string `yaml:"credentials"`
}

type VaultConfig struct {
	// Path is the vault root directory. Required.
	Path string `yaml:"path"`

	// DenyPatterns extend the built-in secret deny list.
	DenyPatterns []string `yaml:"deny_patterns"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthMode controls when API authentication is enforced.
type AuthMode string

const (
	// AuthDisabled turns authentication off entirely.
	AuthDisabled AuthMode = "disabled"

	// AuthRemote exempts loopback clients and challenges everyone else.
	AuthRemote AuthMode = "remote"

	// AuthAlways challenges every client.
	AuthAlways AuthMode = "always"
)

type AuthConfig struct {
	Mode AuthMode `yaml:"mode"`

	// JWTSecret signs short-lived browser tokens. Generated and stored
	// beside the key file when empty.
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type SessionsConfig struct {
	// Backend is sqlite (default), postgres, or memory.
	Backend string `yaml:"backend"`

	// PostgresURL is required when backend is postgres.
	PostgresURL string `yaml:"postgres_url"`
}

type AgentConfig struct {
	// Executable is the agent CLI binary for direct turns.
	Executable string `yaml:"executable"`

	Model string `yaml:"model"`

	// DefaultTrust for newly created sessions: sandboxed or direct.
	DefaultTrust string `yaml:"default_trust"`

	// Recovery is fresh or context.
	Recovery string `yaml:"recovery"`

	// WorkingDir is the vault-relative default working directory.
	WorkingDir string `yaml:"working_dir"`

	// Token is the LLM credential forwarded into sandboxes.
	Token string `yaml:"token"`
}

type SandboxConfig struct {
	Image              string        `yaml:"image"`
	EphemeralMemoryMB  int           `yaml:"ephemeral_memory_mb"`
	PersistentMemoryMB int           `yaml:"persistent_memory_mb"`
	CPUs               float64       `yaml:"cpus"`
	TurnTimeout        time.Duration `yaml:"turn_timeout"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Matrix   MatrixConfig   `yaml:"matrix"`

	// ResponseMode for group chats: mentions_only (default) or
	// all_messages.
	ResponseMode string `yaml:"response_mode"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

type CuratorConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIModel     string `yaml:"openai_model"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector address; empty disables
	// tracing.
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type JobsConfig struct {
	// StreamSweep is a cron expression; defaults to every minute.
	StreamSweep string `yaml:"stream_sweep"`

	// PairingExpiry defaults to hourly.
	PairingExpiry string `yaml:"pairing_expiry"`

	// SandboxReconcile defaults to half past every hour.
	SandboxReconcile string `yaml:"sandbox_reconcile"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8355
	}
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthRemote
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "sqlite"
	}
	if cfg.Agent.Executable == "" {
		cfg.Agent.Executable = "claude"
	}
	if cfg.Agent.DefaultTrust == "" {
		cfg.Agent.DefaultTrust = string(models.TrustSandboxed)
	}
	if cfg.Agent.Recovery == "" {
		cfg.Agent.Recovery = "fresh"
	}
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "parachute/agent:latest"
	}
	if cfg.Channels.ResponseMode == "" {
		cfg.Channels.ResponseMode = "mentions_only"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 0.1
	}
	if cfg.Jobs.StreamSweep == "" {
		cfg.Jobs.StreamSweep = "* * * * *"
	}
	if cfg.Jobs.PairingExpiry == "" {
		cfg.Jobs.PairingExpiry = "0 * * * *"
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vault.Path) == "" {
		return fmt.Errorf("vault.path is required")
	}
	switch c.Auth.Mode {
	case AuthDisabled, AuthRemote, AuthAlways:
	default:
		return fmt.Errorf("auth.mode must be disabled, remote, or always (got %q)", c.Auth.Mode)
	}
	switch c.Sessions.Backend {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(c.Sessions.PostgresURL) == "" {
			return fmt.Errorf("sessions.postgres_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("sessions.backend must be sqlite, postgres, or memory (got %q)", c.Sessions.Backend)
	}
	if trust := models.TrustLevel(c.Agent.DefaultTrust); !trust.Valid() {
		return fmt.Errorf("agent.default_trust must be sandboxed or direct (got %q)", c.Agent.DefaultTrust)
	}
	switch c.Agent.Recovery {
	case "fresh", "context":
	default:
		return fmt.Errorf("agent.recovery must be fresh or context (got %q)", c.Agent.Recovery)
	}
	switch c.Channels.ResponseMode {
	case "mentions_only", "all_messages":
	default:
		return fmt.Errorf("channels.response_mode must be mentions_only or all_messages (got %q)", c.Channels.ResponseMode)
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.BotToken) == "" {
		return fmt.Errorf("channels.telegram.bot_token is required when telegram is enabled")
	}
	if c.Channels.Discord.Enabled && strings.TrimSpace(c.Channels.Discord.BotToken) == "" {
		return fmt.Errorf("channels.discord.bot_token is required when discord is enabled")
	}
	if c.Channels.Matrix.Enabled {
		if strings.TrimSpace(c.Channels.Matrix.Homeserver) == "" ||
			strings.TrimSpace(c.Channels.Matrix.UserID) == "" ||
			strings.TrimSpace(c.Channels.Matrix.AccessToken) == "" {
			return fmt.Errorf("channels.matrix requires homeserver, user_id, and access_token")
		}
	}
	return nil
}
