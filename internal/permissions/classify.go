// Package permissions gates every tool invocation inside an in-flight
// turn: allow, deny, or hold for operator approval, with the verdict
// carried back synchronously so the agent runtime can proceed or skip.
package permissions

import "strings"

// Class is the policy classification of a tool name.
type Class int

const (
	// ClassUnknown tools are denied in restricted mode, allowed direct.
	ClassUnknown Class = iota

	// ClassAlwaysAllow tools pass every trust level.
	ClassAlwaysAllow

	// ClassRead tools need read permission on their path.
	ClassRead

	// ClassWrite tools need write permission on their path.
	ClassWrite

	// ClassBash is the shell, gated by the bash policy plus the
	// dangerous-pattern filter.
	ClassBash

	// ClassAskUser is the interactive question round-trip.
	ClassAskUser
)

func (c Class) String() string {
	switch c {
	case ClassAlwaysAllow:
		return "always_allow"
	case ClassRead:
		return "read"
	case ClassWrite:
		return "write"
	case ClassBash:
		return "bash"
	case ClassAskUser:
		return "ask_user"
	}
	return "unknown"
}

// toolClasses is the tool-name lexicon. The mcp__ prefix rule below is the
// fallback for names not listed here.
var toolClasses = map[string]Class{
	"WebSearch":  ClassAlwaysAllow,
	"WebFetch":   ClassAlwaysAllow,
	"Task":       ClassAlwaysAllow,
	"TaskOutput": ClassAlwaysAllow,

	"Read":         ClassRead,
	"Glob":         ClassRead,
	"Grep":         ClassRead,
	"LS":           ClassRead,
	"NotebookRead": ClassRead,
	"LSP":          ClassRead,

	"Write":        ClassWrite,
	"Edit":         ClassWrite,
	"MultiEdit":    ClassWrite,
	"NotebookEdit": ClassWrite,

	"Bash": ClassBash,

	"AskUserQuestion": ClassAskUser,
}

// Classify resolves a tool name to its class. MCP-prefixed tools are
// always allowed.
func Classify(tool string) Class {
	if c, ok := toolClasses[tool]; ok {
		return c
	}
	if strings.HasPrefix(tool, "mcp__") {
		return ClassAlwaysAllow
	}
	return ClassUnknown
}
