package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/internal/agent"
	"github.com/parachute-dev/parachute/internal/permissions"
	"github.com/parachute-dev/parachute/internal/perrors"
	"github.com/parachute-dev/parachute/internal/sandbox"
	"github.com/parachute-dev/parachute/pkg/models"
)

// noticeSessionUnavailable is sent when a resume fails and the turn
// restarts fresh.
const noticeSessionUnavailable = "session_unavailable"

// responder abstracts the channel for answering runtime control
// requests: the CLI subprocess stdin directly, or the sandbox exec stdin
// behind a pipe.
type responder interface {
	respond(requestID string, payload any) error
	interrupt()
}

type directResponder struct{ t agent.Turn }

func (d directResponder) respond(id string, payload any) error { return d.t.Respond(id, payload) }
func (d directResponder) interrupt()                           { d.t.Interrupt() }

type pipeResponder struct {
	mu     sync.Mutex
	w      *io.PipeWriter
	cancel context.CancelFunc
}

func (p *pipeResponder) respond(id string, payload any) error {
	data, err := json.Marshal(agent.ControlResponse{Type: "control_response", RequestID: id, Response: payload})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.w.Write(append(data, '\n'))
	return err
}

func (p *pipeResponder) interrupt() { p.cancel() }

type pumpOutcome int

const (
	pumpDone pumpOutcome = iota
	pumpErrored
	pumpResumeFailed
)

// turn is the state of one in-flight conversational turn.
type turn struct {
	o        *Orchestrator
	req      Request
	session  *models.Session
	fresh    bool
	streamID string
	perms    models.SessionPermissions
	handler  *permissions.Handler
	events   chan models.StreamEvent
	cancel   context.CancelFunc

	startErr error
	retried  bool
	rekeyed  bool
	started  time.Time
	reply    strings.Builder

	mu   sync.Mutex
	resp responder
}

func (t *turn) emit(ev models.StreamEvent) {
	ev.Timestamp = time.Now().UTC()
	t.events <- ev
}

func (t *turn) responder() responder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resp
}

func (t *turn) setResponder(r responder) {
	t.mu.Lock()
	t.resp = r
	t.mu.Unlock()
}

// startRuntime launches the first runtime execution synchronously so
// Run can surface start failures, then pumps in the background. The
// returned interrupt func is nil on failure, with startErr set.
func (t *turn) startRuntime(ctx context.Context) func() {
	t.started = time.Now()
	resume := ""
	if !t.fresh {
		resume = t.session.ID
	}
	evs, err := t.launch(ctx, resume, t.req.Message)
	if err != nil {
		t.startErr = err
		return nil
	}

	go t.run(ctx, evs, resume)
	return func() {
		if r := t.responder(); r != nil {
			r.interrupt()
		}
	}
}

// launch starts one runtime execution on the path the session's trust
// level selects.
func (t *turn) launch(ctx context.Context, resume, prompt string) (<-chan agent.RuntimeEvent, error) {
	prompt = t.promptWithContexts(prompt)
	prompt = t.promptWithAttachments(prompt)
	if t.perms.Trust == models.TrustDirect {
		return t.launchDirect(ctx, resume, prompt)
	}
	return t.launchSandboxed(ctx, resume, prompt)
}

func (t *turn) launchDirect(ctx context.Context, resume, prompt string) (<-chan agent.RuntimeEvent, error) {
	workingDir := t.o.vlt.Root()
	if t.session.WorkingDir != "" {
		workingDir = t.o.vlt.Abs(t.session.WorkingDir)
	}
	rt, err := t.o.runtime.Start(ctx, agent.Options{
		Prompt:          prompt,
		SystemPrompt:    t.req.SystemPrompt,
		WorkingDir:      workingDir,
		Model:           t.session.Model,
		ResumeSessionID: resume,
		MCPConfigPath:   t.o.vlt.MCPConfigPath(),
		Executable:      t.o.cfg.AgentExecutable,
	})
	if err != nil {
		return nil, perrors.Runtime("start agent runtime", err)
	}
	t.setResponder(directResponder{t: rt})
	return rt.Events(), nil
}

func (t *turn) launchSandboxed(ctx context.Context, resume, prompt string) (<-chan agent.RuntimeEvent, error) {
	pr, pw := io.Pipe()
	opts := sandbox.RunOptions{
		SessionID:      t.session.ID,
		Source:         t.req.Source,
		Message:        prompt,
		Resume:         resume,
		EnvSlug:        t.session.EnvSlug,
		SystemPrompt:   t.req.SystemPrompt,
		ReadGlobs:      t.perms.ReadGlobs,
		WriteGlobs:     t.perms.WriteGlobs,
		Token:          t.o.cfg.Token,
		Credentials:    t.o.cfg.Credentials,
		Control:        pr,
		NetworkEnabled: t.session.EnvSlug != "",
	}
	// A brand-new session has no durable ID yet, so its first turn runs
	// in a throwaway container; the persistent one is created on the
	// next turn under the real ID.
	if t.fresh {
		opts.SessionID = t.streamID
		opts.Ephemeral = true
	}
	evs, err := t.o.boxes.RunSession(ctx, opts)
	if err != nil {
		pw.Close()
		return nil, err
	}
	t.setResponder(&pipeResponder{w: pw, cancel: t.cancel})
	return evs, nil
}

// run pumps runtime events until a terminal settles the turn, retrying
// once on a failed resume, then runs post-turn bookkeeping.
func (t *turn) run(ctx context.Context, evs <-chan agent.RuntimeEvent, resume string) {
	outcome := t.pump(ctx, evs)
	if outcome == pumpResumeFailed && resume != "" && !t.retried {
		t.retried = true
		recovery := t.o.recoveryFor(t.req)
		t.o.logger.Warn("runtime session unavailable, restarting fresh",
			"session_id", t.session.ID, "recovery", recovery)
		t.emit(models.StreamEvent{Type: models.EventText, Notice: noticeSessionUnavailable})

		prompt := t.req.Message
		if recovery == RecoveryContext {
			prompt = continuityNote(t.session) + prompt
		}
		retryEvs, err := t.launch(ctx, "", prompt)
		if err != nil {
			t.emit(models.StreamEvent{Type: models.EventError, SessionID: t.streamID, Error: err.Error()})
			outcome = pumpErrored
		} else {
			outcome = t.pump(ctx, retryEvs)
			if outcome == pumpResumeFailed {
				t.emit(models.StreamEvent{Type: models.EventError, SessionID: t.streamID, Error: "conversation could not be restored"})
				outcome = pumpErrored
			}
		}
	} else if outcome == pumpResumeFailed {
		t.emit(models.StreamEvent{Type: models.EventError, SessionID: t.streamID, Error: "conversation could not be restored"})
		outcome = pumpErrored
	}
	t.finish(ctx, outcome)
}

// pump translates one runtime execution's events onto the stream. It
// returns without emitting a terminal only for pumpResumeFailed, which
// the caller turns into a retry or an error.
func (t *turn) pump(ctx context.Context, evs <-chan agent.RuntimeEvent) pumpOutcome {
	sawTerminal := false
	outcome := pumpErrored
	for ev := range evs {
		switch ev.Type {
		case "system":
			t.handleSystem(ev)

		case "assistant":
			t.handleAssistant(ev)

		case "user":
			t.handleUser(ev)

		case "control_request":
			go t.handleControl(ctx, ev)

		case "result":
			if sawTerminal {
				continue
			}
			sawTerminal = true
			switch {
			case ev.IsError && !t.retried && isResumeFailure(ev.Result):
				// No terminal yet; run() restarts.
				return pumpResumeFailed
			case ev.IsError && ev.Subtype == "oom":
				t.emit(models.StreamEvent{Type: models.EventError, SessionID: t.streamID, Error: "sandbox out of memory", Notice: ev.Result})
				outcome = pumpErrored
			case ev.IsError:
				t.emit(models.StreamEvent{Type: models.EventError, SessionID: t.streamID, Error: ev.Result})
				outcome = pumpErrored
			default:
				t.emit(models.StreamEvent{Type: models.EventDone, SessionID: t.streamID, Result: ev.Result})
				outcome = pumpDone
			}

		case "parse_error":
			t.o.logger.Warn("unparseable runtime event", "session_id", t.session.ID, "line", ev.ParseError)
		}
	}
	if !sawTerminal {
		// Runtime exited without a result frame. The stream manager
		// will synthesize the error terminal when the source closes,
		// but emitting here keeps the cause attached.
		t.emit(models.StreamEvent{Type: models.EventError, SessionID: t.streamID, Error: "agent runtime exited unexpectedly"})
	}
	return outcome
}

func (t *turn) handleSystem(ev agent.RuntimeEvent) {
	if ev.Subtype != "init" && ev.Subtype != "" {
		return
	}
	if ev.SessionID != "" {
		t.adoptSessionID(ev.SessionID)
	}
	if ev.Model != "" {
		t.session.Model = ev.Model
		t.emit(models.StreamEvent{Type: models.EventModel, Model: ev.Model})
	}
	mode := "sandboxed"
	if t.perms.Trust == models.TrustDirect {
		mode = "direct"
	}
	t.emit(models.StreamEvent{Type: models.EventInit, Init: &models.InitInfo{
		Tools:      ev.Tools,
		MCPServers: ev.MCPServers,
		Skills:     ev.Skills,
		Agents:     ev.Agents,
		Mode:       mode,
	}})
}

// adoptSessionID rekeys a temp stream onto the runtime's durable ID.
// Later announcements of the same ID are no-ops.
func (t *turn) adoptSessionID(realID string) {
	if !t.fresh || t.rekeyed || realID == t.streamID {
		return
	}
	t.rekeyed = true
	tempID := t.streamID
	t.o.streams.Rekey(tempID, realID)
	t.o.perms.Rekey(tempID, realID)
	t.streamID = realID
	t.session.ID = realID
	t.emit(models.StreamEvent{Type: models.EventSession, SessionID: realID})
	t.o.logger.Info("session established", "temp_id", tempID, "session_id", realID)
}

func (t *turn) handleAssistant(ev agent.RuntimeEvent) {
	var msg agent.ParsedMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		t.o.logger.Warn("malformed assistant message", "session_id", t.session.ID, "error", err)
		return
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			t.reply.WriteString(block.Text)
			t.emit(models.StreamEvent{Type: models.EventText, Text: block.Text})
		case "thinking":
			t.emit(models.StreamEvent{Type: models.EventThinking, Text: block.Thinking})
		case "tool_use":
			if block.Name == "AskUserQuestion" {
				t.handler.StashQuestionToolUse(block.ID)
			}
			t.emit(models.StreamEvent{
				Type:      models.EventToolUse,
				ToolName:  block.Name,
				ToolUseID: block.ID,
				ToolInput: block.Input,
			})
		}
	}
}

func (t *turn) handleUser(ev agent.RuntimeEvent) {
	var msg agent.ParsedMessage
	if err := json.Unmarshal(ev.Message, &msg); err != nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		t.emit(models.StreamEvent{
			Type:      models.EventToolResult,
			ToolUseID: block.ToolUseID,
			Result:    flattenToolResult(block.Content),
			IsError:   block.IsError,
		})
	}
}

// handleControl answers a permission control request. Runs on its own
// goroutine since CheckTool blocks on operator approval.
func (t *turn) handleControl(ctx context.Context, ev agent.RuntimeEvent) {
	var cr agent.ControlRequest
	if err := json.Unmarshal(ev.Request, &cr); err != nil {
		t.o.logger.Warn("malformed control request", "session_id", t.session.ID, "error", err)
		return
	}

	r := t.responder()
	if r == nil {
		return
	}

	if cr.ToolName == "AskUserQuestion" {
		answers := t.handler.AskQuestion(ctx, parseQuestions(cr.Input))
		err := r.respond(ev.RequestID, map[string]any{
			"behavior":     "allow",
			"updatedInput": map[string]any{"answers": answers},
		})
		if err != nil {
			t.o.logger.Warn("failed to answer question control request", "error", err)
		}
		return
	}

	verdict := t.handler.CheckTool(ctx, cr.ToolName, cr.ToolUseID, cr.Input)
	resp := agent.PermissionResponse{Behavior: "allow"}
	if !verdict.Allow {
		resp = agent.PermissionResponse{Behavior: "deny", Message: verdict.Reason}
	}
	if err := r.respond(ev.RequestID, resp); err != nil {
		t.o.logger.Warn("failed to answer permission control request", "error", err)
	}
}

// finish settles persistence after the terminal event: drains pending
// interactions, saves the session row and any widened permissions, and
// kicks off curation for untitled sessions.
func (t *turn) finish(ctx context.Context, outcome pumpOutcome) {
	t.handler.Drain()
	t.o.perms.Remove(t.streamID)
	t.cancel()

	// Background context: the caller's request may be long gone.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if t.fresh {
		if !t.rekeyed {
			// The runtime never announced an ID; nothing durable to save.
			close(t.events)
			return
		}
		t.session.MessageCount = 1
		t.session.LastAccessed = time.Now().UTC()
		t.persistPermissions()
		if err := t.o.store.Create(saveCtx, t.session); err != nil {
			t.o.logger.Error("failed to create session", "session_id", t.session.ID, "error", err)
		}
	} else {
		if err := t.o.store.Touch(saveCtx, t.session.ID, time.Now().UTC(), outcome == pumpDone); err != nil {
			t.o.logger.Error("failed to touch session", "session_id", t.session.ID, "error", err)
		}
		if t.persistPermissions() {
			if err := t.o.store.Update(saveCtx, t.session); err != nil {
				t.o.logger.Error("failed to save session permissions", "session_id", t.session.ID, "error", err)
			}
		}
	}

	if t.o.metrics != nil && !t.started.IsZero() {
		terminal := "error"
		if outcome == pumpDone {
			terminal = "done"
		}
		t.o.metrics.TurnDuration.WithLabelValues(string(t.req.Source), terminal).
			Observe(time.Since(t.started).Seconds())
	}

	if outcome == pumpDone && t.session.Title == "" && t.o.curator != nil {
		go t.curate()
	}
	close(t.events)
}

// persistPermissions folds widened grants back into the session row.
// Returns whether anything changed.
func (t *turn) persistPermissions() bool {
	p, dirty := t.handler.Permissions()
	if !dirty && !t.fresh {
		return false
	}
	models.StorePermissions(t.session, p)
	return true
}

func (t *turn) curate() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	title, err := t.o.curator.Title(ctx, t.req.Message, t.reply.String())
	if err != nil {
		t.o.logger.Warn("session curation failed", "session_id", t.session.ID, "error", err)
		return
	}
	if title == "" {
		return
	}

	transcript := "User: " + t.req.Message + "\nAssistant: " + t.reply.String()
	summary, err := t.o.curator.Summarize(ctx, transcript)
	if err != nil {
		t.o.logger.Warn("session summary failed", "session_id", t.session.ID, "error", err)
	}

	s, err := t.o.store.Get(ctx, t.session.ID)
	if err != nil {
		return
	}
	if s.Title != "" && s.TitleSource == models.TitleByUser {
		return
	}
	s.Title = title
	s.TitleSource = models.TitleByAI
	if summary != "" {
		if s.Metadata == nil {
			s.Metadata = map[string]any{}
		}
		s.Metadata["summary"] = summary
	}
	if err := t.o.store.Update(ctx, s); err != nil {
		t.o.logger.Warn("failed to save curated title", "session_id", t.session.ID, "error", err)
	}
}

func (t *turn) promptWithContexts(prompt string) string {
	if len(t.req.Contexts) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, c := range t.req.Contexts {
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

func (t *turn) promptWithAttachments(prompt string) string {
	if len(t.req.Attachments) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nAttached files:\n")
	for _, rel := range t.req.Attachments {
		fmt.Fprintf(&b, "- %s\n", rel)
	}
	return b.String()
}

// isResumeFailure matches the runtime's resume-miss messages.
func isResumeFailure(result string) bool {
	lower := strings.ToLower(result)
	return strings.Contains(lower, "no conversation found") ||
		strings.Contains(lower, "session not found") ||
		strings.Contains(lower, "unable to resume")
}

func parseQuestions(input map[string]any) []models.Question {
	raw, ok := input["questions"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var qs []models.Question
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil
	}
	return qs
}

func flattenToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []agent.ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var b strings.Builder
		for _, block := range blocks {
			b.WriteString(block.Text)
		}
		return b.String()
	}
	return string(content)
}
