package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type connectorStatus struct {
	Platform            string `json:"platform"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
	ReconnectAttempts   int    `json:"reconnect_attempts"`
	AllowedUsers        int    `json:"allowed_users"`
}

type healthPayload struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	ActiveStreams int               `json:"active_streams"`
	Connectors    []connectorStatus `json:"connectors"`
}

func runStatus(cmd *cobra.Command, remote remoteFlags) error {
	var health healthPayload
	if err := remote.client(cmd).getJSON(cmd.Context(), "/api/health", &health); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status:         %s\n", health.Status)
	fmt.Fprintf(out, "Uptime:         %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(out, "Active streams: %d\n", health.ActiveStreams)

	if len(health.Connectors) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONNECTOR\tSTATE\tFAILURES\tRECONNECTS\tUSERS\tLAST ERROR")
	for _, c := range health.Connectors {
		lastErr := c.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			c.Platform, c.State, c.ConsecutiveFailures, c.ReconnectAttempts, c.AllowedUsers, lastErr)
	}
	return w.Flush()
}
