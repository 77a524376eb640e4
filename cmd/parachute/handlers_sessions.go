package main

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/parachute-dev/parachute/pkg/models"
)

type sessionList struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

func runSessionsList(cmd *cobra.Command, remote remoteFlags, source string, archived bool, limit int) error {
	q := url.Values{}
	if source != "" {
		q.Set("source", source)
	}
	if archived {
		q.Set("archived", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var list sessionList
	if err := remote.client(cmd).getJSON(cmd.Context(), path, &list); err != nil {
		return err
	}
	if list.Total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSOURCE\tTRUST\tMESSAGES\tLAST ACCESSED")
	for _, s := range list.Sessions {
		title := s.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, title, s.Source, s.Trust, s.MessageCount, s.LastAccessed.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, remote remoteFlags, id string) error {
	var s models.Session
	if err := remote.client(cmd).getJSON(cmd.Context(), "/api/sessions/"+url.PathEscape(id), &s); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:            %s\n", s.ID)
	fmt.Fprintf(out, "Title:         %s\n", orDash(s.Title))
	fmt.Fprintf(out, "Source:        %s\n", s.Source)
	fmt.Fprintf(out, "Trust:         %s\n", s.Trust)
	fmt.Fprintf(out, "Model:         %s\n", orDash(s.Model))
	fmt.Fprintf(out, "Working dir:   %s\n", orDash(s.WorkingDir))
	fmt.Fprintf(out, "Env slug:      %s\n", orDash(s.EnvSlug))
	fmt.Fprintf(out, "Messages:      %d\n", s.MessageCount)
	fmt.Fprintf(out, "Archived:      %t\n", s.Archived)
	fmt.Fprintf(out, "Created:       %s\n", s.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Last accessed: %s\n", s.LastAccessed.Format(time.RFC3339))
	if s.BotLink != nil {
		fmt.Fprintf(out, "Bot link:      %s %s (%s)\n", s.BotLink.Platform, s.BotLink.ChatID, orDash(s.BotLink.ChatType))
	}
	return nil
}

func runSessionsArchive(cmd *cobra.Command, remote remoteFlags, id string) error {
	path := "/api/sessions/" + url.PathEscape(id) + "/archive"
	if err := remote.client(cmd).postJSON(cmd.Context(), path, nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Archived session %s\n", id)
	return nil
}

func runSessionsDelete(cmd *cobra.Command, remote remoteFlags, id string) error {
	if err := remote.client(cmd).delete(cmd.Context(), "/api/sessions/"+url.PathEscape(id)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", id)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
