package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/parachute-dev/parachute/internal/agent"
	"github.com/parachute-dev/parachute/internal/auth"
	"github.com/parachute-dev/parachute/internal/channels"
	"github.com/parachute-dev/parachute/internal/channels/discord"
	"github.com/parachute-dev/parachute/internal/channels/matrix"
	"github.com/parachute-dev/parachute/internal/channels/telegram"
	"github.com/parachute-dev/parachute/internal/config"
	"github.com/parachute-dev/parachute/internal/curator"
	"github.com/parachute-dev/parachute/internal/jobs"
	"github.com/parachute-dev/parachute/internal/media"
	"github.com/parachute-dev/parachute/internal/observability"
	"github.com/parachute-dev/parachute/internal/orchestrator"
	"github.com/parachute-dev/parachute/internal/pairing"
	"github.com/parachute-dev/parachute/internal/permissions"
	"github.com/parachute-dev/parachute/internal/sandbox"
	"github.com/parachute-dev/parachute/internal/server"
	"github.com/parachute-dev/parachute/internal/sessions"
	"github.com/parachute-dev/parachute/internal/stream"
	"github.com/parachute-dev/parachute/internal/vault"
	"github.com/parachute-dev/parachute/pkg/models"
)

const shutdownTimeout = 15 * time.Second

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	logger.Info("starting parachute", "version", version, "config", configPath)

	tracer, stopTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "parachute",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRatio,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	metrics := observability.NewMetrics()

	vlt, err := vault.Open(cfg.Vault.Path, logger)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	if len(cfg.Vault.DenyPatterns) > 0 {
		vlt.Deny().SetStaticPatterns(cfg.Vault.DenyPatterns)
	}
	if err := vlt.WatchDenylist(ctx); err != nil {
		logger.Warn("denylist watcher unavailable", "error", err)
	}
	if _, err := vlt.LoadMCPConfig(); err != nil {
		logger.Warn("mcp config is unreadable and will be ignored by agent runs", "error", err)
	}

	store, err := openStore(ctx, cfg, vlt)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	streams := stream.NewManager(logger, stream.WithMetrics(metrics))
	perms := permissions.NewRegistry()

	boxes := sandbox.NewManager(sandbox.NewDockerCLI(), vlt, sandbox.Config{
		Image:              cfg.Sandbox.Image,
		EphemeralMemoryMB:  cfg.Sandbox.EphemeralMemoryMB,
		PersistentMemoryMB: cfg.Sandbox.PersistentMemoryMB,
		CPUs:               cfg.Sandbox.CPUs,
		TurnTimeout:        cfg.Sandbox.TurnTimeout,
	}, logger, metrics)
	if active, err := store.ActiveSessionIDs(ctx); err != nil {
		logger.Warn("listing active sessions for reconcile", "error", err)
	} else if err := boxes.Reconcile(ctx, active); err != nil {
		logger.Warn("sandbox reconcile", "error", err)
	}

	runtime := agent.NewCLIRuntime(cfg.Agent.Executable, logger)
	orch := orchestrator.New(store, streams, perms, runtime, boxes, vlt, orchestrator.Config{
		DefaultModel:    cfg.Agent.Model,
		DefaultTrust:    models.TrustLevel(cfg.Agent.DefaultTrust),
		WorkingDir:      cfg.Agent.WorkingDir,
		AgentExecutable: cfg.Agent.Executable,
		Token:           cfg.Agent.Token,
		Credentials:     cfg.Credentials,
		Recovery:        orchestrator.RecoveryMode(cfg.Agent.Recovery),
	}, logger, metrics, tracer)

	cur, err := curator.New(curator.Config{
		AnthropicAPIKey: cfg.Curator.AnthropicAPIKey,
		AnthropicModel:  cfg.Curator.AnthropicModel,
		OpenAIAPIKey:    cfg.Curator.OpenAIAPIKey,
		OpenAIModel:     cfg.Curator.OpenAIModel,
	}, logger)
	switch {
	case err == nil:
		orch.SetCurator(cur)
	case errors.Is(err, curator.ErrNoProvider):
		logger.Info("curation disabled: no provider configured")
	default:
		return fmt.Errorf("init curator: %w", err)
	}

	secret, err := jwtSecret(cfg, vlt)
	if err != nil {
		return err
	}
	keys := auth.NewKeyStore(vlt.KeysPath())
	authSvc := auth.NewService(cfg.Auth.Mode, keys, secret, cfg.Auth.TokenExpiry, logger)

	pairs := pairing.NewStore(vlt)

	mgr := channels.NewManager(orch, streams, store, pairs,
		channels.ResponseMode(cfg.Channels.ResponseMode), logger, metrics)
	if err := addConnectors(mgr, cfg, vlt, logger); err != nil {
		return err
	}

	srv := server.New(server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, server.Deps{
		Orchestrator:    orch,
		Streams:         streams,
		Permissions:     perms,
		Store:           store,
		Pairing:         pairs,
		Auth:            authSvc,
		Boxes:           boxes,
		Metrics:         metrics,
		ConnectorHealth: mgr.Health,
		PairingResolved: mgr.HandlePairingResolved,
	}, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	mgr.Start(ctx)

	reconcile := func(ctx context.Context) error {
		active, err := store.ActiveSessionIDs(ctx)
		if err != nil {
			return err
		}
		return boxes.Reconcile(ctx, active)
	}
	runner, err := jobs.NewRunner(jobs.Config{
		StreamSweep:      cfg.Jobs.StreamSweep,
		PairingExpiry:    cfg.Jobs.PairingExpiry,
		SandboxReconcile: cfg.Jobs.SandboxReconcile,
	}, streams, pairs, reconcile, logger)
	if err != nil {
		return fmt.Errorf("init jobs: %w", err)
	}
	runner.Start()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	logger.Info("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()

	runner.Stop(drainCtx)
	mgr.Stop(drainCtx)
	streams.DrainAll()
	perms.DrainAll()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := stopTracer(drainCtx); err != nil {
		logger.Warn("tracer shutdown", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, vlt *vault.Vault) (sessions.Store, error) {
	switch strings.ToLower(cfg.Sessions.Backend) {
	case "", "sqlite":
		return sessions.NewSQLiteStore(ctx, vlt.SessionDBPath())
	case "postgres":
		return sessions.NewPostgresStoreFromDSN(cfg.Sessions.PostgresURL, nil)
	case "memory":
		return sessions.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown sessions backend %q", cfg.Sessions.Backend)
	}
}

// jwtSecret returns the configured signing secret, minting and persisting
// one under the vault state dir on first run.
func jwtSecret(cfg *config.Config, vlt *vault.Vault) (string, error) {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret, nil
	}
	path := filepath.Join(vlt.StateDir(), "jwt.secret")
	if data, err := os.ReadFile(path); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("generate jwt secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist jwt secret: %w", err)
	}
	return secret, nil
}

func addConnectors(mgr *channels.Manager, cfg *config.Config, vlt *vault.Vault, logger *slog.Logger) error {
	saver := media.NewStore(vlt, logger)

	if cfg.Channels.Telegram.Enabled {
		a, err := telegram.New(telegram.Config{
			Token:  cfg.Channels.Telegram.BotToken,
			Media:  saver,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("telegram connector: %w", err)
		}
		mgr.Add(a)
	}
	if cfg.Channels.Discord.Enabled {
		a, err := discord.New(discord.Config{
			Token:  cfg.Channels.Discord.BotToken,
			Media:  saver,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("discord connector: %w", err)
		}
		mgr.Add(a)
	}
	if cfg.Channels.Matrix.Enabled {
		a, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Channels.Matrix.Homeserver,
			UserID:      cfg.Channels.Matrix.UserID,
			AccessToken: cfg.Channels.Matrix.AccessToken,
			Media:       saver,
			Logger:      logger,
		})
		if err != nil {
			return fmt.Errorf("matrix connector: %w", err)
		}
		mgr.Add(a)
	}
	return nil
}
