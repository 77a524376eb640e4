package vault

import (
	"fmt"
	"os"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// MCPServer describes one entry in mcp.json.
type MCPServer struct {
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
	Transport string            `json:"transport,omitempty"` // stdio, sse, http
}

// MCPConfig is the parsed MCP server config. The file is hand-edited, so it
// is parsed as JSON5: comments and trailing commas are tolerated.
type MCPConfig struct {
	Servers map[string]MCPServer `json:"mcpServers"`
}

// ServerNames returns the configured server names in map order.
func (c *MCPConfig) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	return names
}

// LoadMCPConfig reads <vault>/.parachute/mcp.json. A missing file yields an
// empty config, not an error.
func (v *Vault) LoadMCPConfig() (*MCPConfig, error) {
	data, err := os.ReadFile(v.MCPConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &MCPConfig{}, nil
		}
		return nil, fmt.Errorf("read mcp config: %w", err)
	}

	var cfg MCPConfig
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}
	return &cfg, nil
}
