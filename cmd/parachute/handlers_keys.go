package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parachute-dev/parachute/internal/auth"
	"github.com/parachute-dev/parachute/internal/config"
	"github.com/parachute-dev/parachute/internal/vault"
)

func openKeyStore(configPath string) (*auth.KeyStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	vlt, err := vault.Open(cfg.Vault.Path, nil)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return auth.NewKeyStore(vlt.KeysPath()), nil
}

func runKeysAdd(cmd *cobra.Command, configPath, name string, importKey bool) error {
	ks, err := openKeyStore(configPath)
	if err != nil {
		return err
	}

	if importKey {
		plaintext, err := promptSecret(cmd, "API key: ")
		if err != nil {
			return err
		}
		if err := ks.Import(name, plaintext); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported key %q\n", name)
		return nil
	}

	plaintext, err := ks.Create(name)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created key %q:\n\n  %s\n\n", name, plaintext)
	fmt.Fprintln(out, "Store it now; only its hash is kept and it cannot be shown again.")
	return nil
}

func runKeysList(cmd *cobra.Command, configPath string) error {
	ks, err := openKeyStore(configPath)
	if err != nil {
		return err
	}
	keys, err := ks.List()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No API keys.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tLAST USED")
	for _, k := range keys {
		lastUsed := "never"
		if !k.LastUsed.IsZero() {
			lastUsed = k.LastUsed.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", k.Name, k.CreatedAt.Format(time.RFC3339), lastUsed)
	}
	return w.Flush()
}

func runKeysRemove(cmd *cobra.Command, configPath, name string) error {
	ks, err := openKeyStore(configPath)
	if err != nil {
		return err
	}
	if err := ks.Revoke(name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %q\n", name)
	return nil
}

// promptSecret reads a line without echo when stdin is a terminal,
// falling back to a plain read for piped input.
func promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	var line string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &line); err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
