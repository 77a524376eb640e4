// Package agent models the external LLM agent CLI as a lazy event source
// for one turn. The CLI speaks NDJSON on stdout (--output-format
// stream-json); permission prompts arrive as control requests on the same
// pipe and are answered on stdin.
package agent

import (
	"context"
	"encoding/json"
)

// RuntimeEvent is one parsed NDJSON line from the agent CLI stream.
type RuntimeEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// system init fields
	Tools      []string `json:"tools,omitempty"`
	MCPServers []string `json:"mcp_servers,omitempty"`
	Skills     []string `json:"skills,omitempty"`
	Agents     []string `json:"agents,omitempty"`

	// control_request fields (--permission-prompt-tool stdio)
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	// parse failures carry the offending line here
	ParseError string `json:"-"`
}

// ContentBlock mirrors the CLI's assistant message content blocks.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ParsedMessage is the message payload of an assistant or user event.
type ParsedMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ControlRequest is the decoded body of a permission control request.
type ControlRequest struct {
	Subtype   string         `json:"subtype,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// ControlResponse answers a control request on the CLI's stdin.
type ControlResponse struct {
	Type      string `json:"type"` // always "control_response"
	RequestID string `json:"request_id"`
	Response  any    `json:"response"`
}

// PermissionResponse is the verdict payload inside a ControlResponse.
type PermissionResponse struct {
	Behavior string `json:"behavior"` // allow | deny
	Message  string `json:"message,omitempty"`
}

// Options configure one turn of the runtime.
type Options struct {
	Prompt          string
	SystemPrompt    string
	WorkingDir      string
	Model           string
	ResumeSessionID string
	MCPConfigPath   string
	AllowedTools    []string
	PluginDirs      []string
	Env             []string
	Executable      string // defaults to "claude"
}

// Turn is one in-flight runtime execution.
type Turn interface {
	// Events yields the runtime's event stream. The channel closes when
	// the subprocess exits.
	Events() <-chan RuntimeEvent

	// Interrupt asks the runtime to stop at the next safe point.
	Interrupt()

	// Respond answers a control request (permission verdict or question
	// answers) on the runtime's stdin.
	Respond(requestID string, response any) error

	// Wait blocks until the subprocess exits and returns its error.
	Wait() error
}

// Runtime starts turns. The CLI implementation is the production path;
// tests substitute fakes.
type Runtime interface {
	Start(ctx context.Context, opts Options) (Turn, error)
}
