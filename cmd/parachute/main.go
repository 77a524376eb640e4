// Package main is the parachute CLI: the vault-centric assistant
// server plus its operator commands.
//
// Start the server:
//
//	parachute serve --config parachute.yaml
//
// Check a running server:
//
//	parachute status
//
// Manage sessions, pairing, sandbox containers, and API keys:
//
//	parachute sessions list
//	parachute pairing approve <code> --trust direct
//	parachute sandbox reconcile
//	parachute keys add laptop
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the command tree. Separated from main for
// testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parachute",
		Short: "Parachute - local-first AI assistant over your vault",
		Long: `Parachute runs an AI assistant server on top of a local Markdown
vault, with sandboxed execution, chat connectors, and an HTTP/SSE API.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildSessionsCmd(),
		buildPairingCmd(),
		buildSandboxCmd(),
		buildKeysCmd(),
	)
	return rootCmd
}
