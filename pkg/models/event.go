package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of stream event.
type EventType string

const (
	// EventSession carries the definitive session ID. Emitted before the
	// first text so callers can rekey pending streams.
	EventSession EventType = "session"

	// EventModel names the model serving the turn.
	EventModel EventType = "model"

	// EventInit is the capabilities snapshot taken at turn start.
	EventInit EventType = "init"

	// EventText is a chunk of assistant-visible text.
	EventText EventType = "text"

	// EventThinking is a chunk of assistant thought.
	EventThinking EventType = "thinking"

	// EventToolUse announces an intended tool invocation.
	EventToolUse EventType = "tool_use"

	// EventToolResult carries the outcome of a completed tool invocation.
	EventToolResult EventType = "tool_result"

	// EventPermissionRequest asks the operator to approve a tool call.
	EventPermissionRequest EventType = "permission_request"

	// EventUserQuestion is an AskUserQuestion round-trip.
	EventUserQuestion EventType = "user_question"

	// Terminals. Exactly one closes every stream.
	EventDone    EventType = "done"
	EventError   EventType = "error"
	EventAborted EventType = "aborted"
)

// StreamEvent is one event on a turn's stream. It serializes to a single
// SSE data frame; unset fields are omitted.
type StreamEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Model     string    `json:"model,omitempty"`

	// Init capabilities snapshot (EventInit only).
	Init *InitInfo `json:"init,omitempty"`

	// Text chunk for EventText and EventThinking.
	Text string `json:"text,omitempty"`

	// Tool fields for EventToolUse / EventToolResult.
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// Interactive payloads.
	Permission *PermissionPayload `json:"permission,omitempty"`
	Question   *QuestionPayload   `json:"question,omitempty"`

	// Error message for EventError and tool failures.
	Error string `json:"error,omitempty"`

	// Notice carries user-facing asides: session_unavailable on recovery,
	// the OOM restart note, and similar.
	Notice string `json:"notice,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
}

// Terminal reports whether the event closes its stream.
func (e *StreamEvent) Terminal() bool {
	switch e.Type {
	case EventDone, EventError, EventAborted:
		return true
	}
	return false
}

// InitInfo is the capabilities snapshot carried by the init event.
type InitInfo struct {
	Tools      []string `json:"tools,omitempty"`
	MCPServers []string `json:"mcp_servers,omitempty"`
	Skills     []string `json:"skills,omitempty"`
	Agents     []string `json:"agents,omitempty"`
	Mode       string   `json:"mode"` // direct | sandboxed
}

// PermissionPayload carries an approval request to the operator.
// Suggestions are ordered narrowest first.
type PermissionPayload struct {
	RequestID   string         `json:"request_id"`
	Tool        string         `json:"tool"`
	Path        string         `json:"path,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// QuestionPayload carries an AskUserQuestion round-trip.
type QuestionPayload struct {
	RequestID string     `json:"request_id"`
	Questions []Question `json:"questions"`
}

// Question is one question within an AskUserQuestion call.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}
