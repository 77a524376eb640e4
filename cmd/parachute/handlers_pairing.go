package main

import (
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/parachute-dev/parachute/pkg/models"
)

type pairingList struct {
	Requests []models.PairingRequest `json:"requests"`
}

func runPairingList(cmd *cobra.Command, remote remoteFlags) error {
	var list pairingList
	if err := remote.client(cmd).getJSON(cmd.Context(), "/api/pairing", &list); err != nil {
		return err
	}
	if len(list.Requests) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending pairing requests.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tPLATFORM\tUSER\tNAME\tREQUESTED")
	for _, req := range list.Requests {
		name := req.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			req.ID, req.Platform, req.UserID, name, req.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runPairingApprove(cmd *cobra.Command, remote remoteFlags, id, trust string) error {
	level := models.TrustLevel(trust)
	if !level.Valid() {
		return fmt.Errorf("invalid trust level %q (want sandboxed or direct)", trust)
	}

	body := map[string]string{"trust_level": string(level)}
	var resolved models.PairingRequest
	path := "/api/pairing/" + url.PathEscape(id) + "/approve"
	if err := remote.client(cmd).postJSON(cmd.Context(), path, body, &resolved); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved %s user %s with %s trust\n",
		resolved.Platform, resolved.UserID, resolved.Trust)
	return nil
}

func runPairingDeny(cmd *cobra.Command, remote remoteFlags, id string) error {
	var resolved models.PairingRequest
	path := "/api/pairing/" + url.PathEscape(id) + "/deny"
	if err := remote.client(cmd).postJSON(cmd.Context(), path, nil, &resolved); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Denied %s user %s\n", resolved.Platform, resolved.UserID)
	return nil
}
