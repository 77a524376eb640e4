package vault

import (
	"os"
	"testing"
)

func TestLoadMCPConfig_Missing(t *testing.T) {
	v := newTestVault(t)

	cfg, err := v.LoadMCPConfig()
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("empty config expected, got %d servers", len(cfg.Servers))
	}
}

func TestLoadMCPConfig_JSON5(t *testing.T) {
	v := newTestVault(t)

	// Hand-edited file with comments and a trailing comma.
	content := `{
	// local knowledge base
	"mcpServers": {
		"kb": {
			"command": "kb-server",
			"args": ["--root", "/vault"],
		},
		"search": {
			"url": "http://localhost:8931/sse",
			"transport": "sse",
		},
	},
}`
	if err := os.WriteFile(v.MCPConfigPath(), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := v.LoadMCPConfig()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.Servers))
	}
	kb := cfg.Servers["kb"]
	if kb.Command != "kb-server" || len(kb.Args) != 2 {
		t.Errorf("kb entry wrong: %+v", kb)
	}
	if cfg.Servers["search"].Transport != "sse" {
		t.Errorf("search transport = %q", cfg.Servers["search"].Transport)
	}
	if len(cfg.ServerNames()) != 2 {
		t.Errorf("ServerNames = %v", cfg.ServerNames())
	}
}

func TestLoadMCPConfig_Malformed(t *testing.T) {
	v := newTestVault(t)
	if err := os.WriteFile(v.MCPConfigPath(), []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := v.LoadMCPConfig(); err == nil {
		t.Error("malformed config should error")
	}
}
