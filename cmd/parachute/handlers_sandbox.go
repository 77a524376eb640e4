package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/parachute-dev/parachute/internal/config"
	"github.com/parachute-dev/parachute/internal/sandbox"
	"github.com/parachute-dev/parachute/internal/vault"
)

// openSandboxManager builds a sandbox manager from local config for
// commands that talk to Docker directly rather than a running server.
func openSandboxManager(configPath string) (*sandbox.Manager, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	vlt, err := vault.Open(cfg.Vault.Path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("open vault: %w", err)
	}
	m := sandbox.NewManager(sandbox.NewDockerCLI(), vlt, sandbox.Config{
		Image:              cfg.Sandbox.Image,
		EphemeralMemoryMB:  cfg.Sandbox.EphemeralMemoryMB,
		PersistentMemoryMB: cfg.Sandbox.PersistentMemoryMB,
		CPUs:               cfg.Sandbox.CPUs,
		TurnTimeout:        cfg.Sandbox.TurnTimeout,
	}, nil, nil)
	return m, cfg, nil
}

func runSandboxList(cmd *cobra.Command, configPath string) error {
	m, _, err := openSandboxManager(configPath)
	if err != nil {
		return err
	}

	list, err := m.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No managed containers.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tSESSION\tENV\tSTALE")
	for _, info := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			info.Name, info.Kind, orDash(info.SessionID), orDash(info.EnvSlug), info.Stale)
	}
	return w.Flush()
}

// runSandboxReconcile removes containers whose session is gone or whose
// config hash no longer matches, same as the sweep at server startup.
func runSandboxReconcile(cmd *cobra.Command, configPath string) error {
	m, cfg, err := openSandboxManager(configPath)
	if err != nil {
		return err
	}

	vlt, err := vault.Open(cfg.Vault.Path, nil)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	store, err := openStore(cmd.Context(), cfg, vlt)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	active, err := store.ActiveSessionIDs(cmd.Context())
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	if err := m.Reconcile(cmd.Context(), active); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Reconcile complete.")
	return nil
}

func runSandboxDeleteEnv(cmd *cobra.Command, configPath, slug string) error {
	m, _, err := openSandboxManager(configPath)
	if err != nil {
		return err
	}
	if err := m.DeleteNamedContainer(cmd.Context(), slug); err != nil {
		return fmt.Errorf("delete environment %s: %w", slug, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted environment container %s\n", slug)
	return nil
}
