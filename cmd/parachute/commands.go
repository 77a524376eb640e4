// commands.go holds the cobra command definitions. Each builder wires
// flags and delegates to a run func in the matching handlers file.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigPath honors PARACHUTE_CONFIG, falling back to
// parachute.yaml in the working directory.
func defaultConfigPath() string {
	if p := os.Getenv("PARACHUTE_CONFIG"); p != "" {
		return p
	}
	return "parachute.yaml"
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parachute server",
		Long: `Start the assistant server: vault, session store, sandbox manager,
HTTP/SSE API, bot connectors, and background jobs. Shuts down
gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var remote remoteFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, remote)
		},
	}
	remote.register(cmd)
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions",
	}

	var (
		listRemote remoteFlags
		source     string
		archived   bool
		limit      int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, listRemote, source, archived, limit)
		},
	}
	listRemote.register(listCmd)
	listCmd.Flags().StringVar(&source, "source", "", "Filter by source (web, telegram, discord, matrix)")
	listCmd.Flags().BoolVar(&archived, "archived", false, "Show archived sessions")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to list")

	var showRemote remoteFlags
	showCmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, showRemote, args[0])
		},
	}
	showRemote.register(showCmd)

	var archiveRemote remoteFlags
	archiveCmd := &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsArchive(cmd, archiveRemote, args[0])
		},
	}
	archiveRemote.register(archiveCmd)

	var deleteRemote remoteFlags
	deleteCmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its sandbox container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsDelete(cmd, deleteRemote, args[0])
		},
	}
	deleteRemote.register(deleteCmd)

	cmd.AddCommand(listCmd, showCmd, archiveCmd, deleteCmd)
	return cmd
}

func buildPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve or deny chat users",
	}

	var listRemote remoteFlags
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingList(cmd, listRemote)
		},
	}
	listRemote.register(listCmd)

	var (
		approveRemote remoteFlags
		trust         string
	)
	approveCmd := &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingApprove(cmd, approveRemote, args[0], trust)
		},
	}
	approveRemote.register(approveCmd)
	approveCmd.Flags().StringVar(&trust, "trust", "sandboxed", "Trust level for the paired user (sandboxed or direct)")

	var denyRemote remoteFlags
	denyCmd := &cobra.Command{
		Use:   "deny <code>",
		Short: "Deny a pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingDeny(cmd, denyRemote, args[0])
		},
	}
	denyRemote.register(denyCmd)

	cmd.AddCommand(listCmd, approveCmd, denyCmd)
	return cmd
}

func buildSandboxCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage sandbox containers",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List managed containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandboxList(cmd, configPath)
		},
	}
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Remove stale and orphaned containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandboxReconcile(cmd, configPath)
		},
	}
	deleteEnvCmd := &cobra.Command{
		Use:   "delete-env <slug>",
		Short: "Delete a named environment container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandboxDeleteEnv(cmd, configPath, args[0])
		},
	}
	cmd.AddCommand(listCmd, reconcileCmd, deleteEnvCmd)
	return cmd
}

func buildKeysCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")

	var importKey bool
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a named API key",
		Long: `Create a named API key. The plaintext is printed once and never
stored; only its hash lands in the vault. With --import the key value
is read from a hidden prompt instead of being generated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysAdd(cmd, configPath, args[0], importKey)
		},
	}
	addCmd.Flags().BoolVar(&importKey, "import", false, "Prompt for an existing key instead of generating one")
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysList(cmd, configPath)
		},
	}
	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeysRemove(cmd, configPath, args[0])
		},
	}
	cmd.AddCommand(addCmd, listCmd, removeCmd)
	return cmd
}
