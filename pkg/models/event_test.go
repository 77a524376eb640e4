package models

import (
	"encoding/json"
	"testing"
)

func TestStreamEvent_Terminal(t *testing.T) {
	terminals := []EventType{EventDone, EventError, EventAborted}
	for _, typ := range terminals {
		e := StreamEvent{Type: typ}
		if !e.Terminal() {
			t.Errorf("%s should be terminal", typ)
		}
	}

	live := []EventType{
		EventSession, EventModel, EventInit, EventText, EventThinking,
		EventToolUse, EventToolResult, EventPermissionRequest, EventUserQuestion,
	}
	for _, typ := range live {
		e := StreamEvent{Type: typ}
		if e.Terminal() {
			t.Errorf("%s must not be terminal", typ)
		}
	}
}

func TestStreamEvent_WireShape(t *testing.T) {
	e := StreamEvent{
		Type: EventPermissionRequest,
		Permission: &PermissionPayload{
			RequestID:   "r1",
			Tool:        "Write",
			Path:        "Blogs/post.md",
			Suggestions: []string{"Blogs/post.md", "Blogs", "Blogs/**"},
		},
	}
	blob, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(blob, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != "permission_request" {
		t.Errorf("type = %v", m["type"])
	}
	// Unset payloads stay off the wire.
	for _, absent := range []string{"text", "error", "question", "init", "result"} {
		if _, ok := m[absent]; ok {
			t.Errorf("unexpected field %q in %s", absent, blob)
		}
	}
	perm, ok := m["permission"].(map[string]any)
	if !ok {
		t.Fatalf("permission payload missing: %s", blob)
	}
	if perm["request_id"] != "r1" {
		t.Errorf("request_id = %v", perm["request_id"])
	}
}
