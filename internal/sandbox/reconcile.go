package sandbox

import (
	"context"
	"strings"
)

// reconcileFormat pulls everything Reconcile needs in one docker ps call.
const reconcileFormat = `{{.Names}}|{{.Label "type"}}|{{.Label "session_id"}}|{{.Label "env_slug"}}|{{.Label "config_hash"}}`

type containerRecord struct {
	Name       string
	Kind       Kind
	SessionID  string
	EnvSlug    string
	ConfigHash string
}

// Info describes one managed container for operator tooling.
type Info struct {
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	SessionID  string `json:"session_id,omitempty"`
	EnvSlug    string `json:"env_slug,omitempty"`
	ConfigHash string `json:"config_hash"`
	Stale      bool   `json:"stale"`
}

// List returns every container the manager owns, flagging ones built
// with a stale config hash.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	records, err := m.listOwned(ctx)
	if err != nil {
		return nil, err
	}
	hash := m.cfg.Hash()
	out := make([]Info, 0, len(records))
	for _, rec := range records {
		out = append(out, Info{
			Name:       rec.Name,
			Kind:       rec.Kind,
			SessionID:  rec.SessionID,
			EnvSlug:    rec.EnvSlug,
			ConfigHash: rec.ConfigHash,
			Stale:      rec.ConfigHash != hash,
		})
	}
	return out, nil
}

// Reconcile runs at startup and brings the container population in line
// with reality: legacy-named containers go, session containers whose
// session is no longer active go, anything built with a stale config
// hash goes. Named environments with a current hash are left alone since
// operators manage their lifetime explicitly. Individual removal
// failures are logged and skipped; a degraded runtime must not block
// startup.
func (m *Manager) Reconcile(ctx context.Context, activeSessionIDs []string) error {
	records, err := m.listOwned(ctx)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(activeSessionIDs))
	for _, id := range activeSessionIDs {
		active[id] = true
	}
	hash := m.cfg.Hash()

	var removed, kept int
	for _, rec := range records {
		reason := ""
		switch {
		case isLegacyName(rec.Name):
			reason = "legacy name"
		case rec.ConfigHash != hash:
			reason = "stale config hash"
		case rec.Kind == KindSession && !active[rec.SessionID]:
			reason = "session no longer active"
		case rec.Kind == KindEphemeral:
			// --rm should have collected these; a survivor means a
			// crashed run.
			reason = "leftover ephemeral"
		}

		if reason == "" {
			kept++
			if rec.Kind == KindNamedEnv {
				m.logger.Info("keeping named environment", "container", rec.Name, "env_slug", rec.EnvSlug)
			}
			continue
		}

		if _, err := m.cli.Run(ctx, "rm", "-f", rec.Name); err != nil {
			m.logger.Warn("reconcile failed to remove container",
				"container", rec.Name, "reason", reason, "error", err)
			continue
		}
		removed++
		m.logger.Info("reconcile removed container", "container", rec.Name, "reason", reason)
	}

	m.logger.Info("container reconcile complete", "removed", removed, "kept", kept)
	return nil
}

// listOwned returns every container carrying our app label, plus
// legacy-prefixed names that predate labeling.
func (m *Manager) listOwned(ctx context.Context) ([]containerRecord, error) {
	out, err := m.cli.Run(ctx, "ps", "-a",
		"--filter", "label=app="+labelApp,
		"--format", reconcileFormat)
	if err != nil {
		return nil, err
	}
	records := parseRecords(out)

	// Pre-label containers only match by name prefix.
	legacyOut, err := m.cli.Run(ctx, "ps", "-a", "--format", "{{.Names}}")
	if err != nil {
		return records, nil
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.Name] = true
	}
	for _, name := range strings.Split(strings.TrimSpace(legacyOut), "\n") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] || !isLegacyName(name) {
			continue
		}
		records = append(records, containerRecord{Name: name})
	}
	return records, nil
}

func parseRecords(out string) []containerRecord {
	var records []containerRecord
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 5)
		if len(parts) != 5 {
			continue
		}
		records = append(records, containerRecord{
			Name:       parts[0],
			Kind:       Kind(parts[1]),
			SessionID:  parts[2],
			EnvSlug:    parts[3],
			ConfigHash: parts[4],
		})
	}
	return records
}
