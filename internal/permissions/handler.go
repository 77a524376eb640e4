package permissions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/internal/observability"
	"github.com/parachute-dev/parachute/internal/vault"
	"github.com/parachute-dev/parachute/pkg/models"
)

const (
	// DefaultApprovalTimeout bounds an unanswered approval request.
	DefaultApprovalTimeout = 2 * time.Minute

	// DefaultQuestionTimeout bounds an unanswered AskUserQuestion.
	DefaultQuestionTimeout = 5 * time.Minute
)

// Status is the lifecycle state of a pending request. Only pending → *
// transitions are valid; terminal transitions are idempotent no-ops.
type Status string

const (
	StatusPending Status = "pending"
	StatusGranted Status = "granted"
	StatusDenied  Status = "denied"
	StatusTimeout Status = "timeout"
)

// Verdict is the outcome of a tool check.
type Verdict struct {
	Allow  bool
	Reason string
}

// Emitter pushes an event onto the turn's stream. The orchestrator
// installs one when it builds the handler.
type Emitter func(models.StreamEvent)

type approval struct {
	id          string
	tool        string
	path        string
	input       map[string]any
	suggestions []string
	status      Status
	resolve     chan Verdict // buffered 1, written once
	pattern     string
}

type question struct {
	id      string
	status  Status
	resolve chan map[string]string
}

// Handler gates tool calls for one session's in-flight turn. It owns its
// pending-request maps; grants and denies arrive through the registry by
// session ID, never by shared reference.
type Handler struct {
	sessionID string
	vlt       *vault.Vault
	emit      Emitter
	logger    *slog.Logger
	metrics   *observability.Metrics

	approvalTimeout time.Duration
	questionTimeout time.Duration

	mu        sync.Mutex
	perms     models.SessionPermissions
	dirty     bool
	approvals map[string]*approval
	questions map[string]*question
	stash     []string // tool_use IDs pre-stashed for AskUserQuestion
	drained   bool
}

// HandlerOption adjusts handler construction.
type HandlerOption func(*Handler)

// WithApprovalTimeout overrides the 120 s approval deadline.
func WithApprovalTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.approvalTimeout = d
		}
	}
}

// WithQuestionTimeout overrides the 300 s question deadline.
func WithQuestionTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.questionTimeout = d
		}
	}
}

// WithHandlerMetrics attaches the metrics collector set.
func WithHandlerMetrics(m *observability.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler builds a handler bound to one session and its permission
// snapshot. The emitter surfaces approval and question events on the
// turn's stream.
func NewHandler(sessionID string, vlt *vault.Vault, perms models.SessionPermissions, emit Emitter, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(models.StreamEvent) {}
	}
	h := &Handler{
		sessionID:       sessionID,
		vlt:             vlt,
		emit:            emit,
		logger:          logger.With("component", "permissions", "session_id", sessionID),
		approvalTimeout: DefaultApprovalTimeout,
		questionTimeout: DefaultQuestionTimeout,
		perms:           perms,
		approvals:       make(map[string]*approval),
		questions:       make(map[string]*question),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SessionID returns the bound session.
func (h *Handler) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

func (h *Handler) setSessionID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = id
}

// Permissions returns the current permission snapshot. Grants made during
// the turn are included; the orchestrator persists them at turn close.
func (h *Handler) Permissions() (models.SessionPermissions, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perms, h.dirty
}

// CheckTool decides one tool invocation. It may block up to the approval
// timeout when the operator must be asked.
func (h *Handler) CheckTool(ctx context.Context, toolName string, toolUseID string, input map[string]any) Verdict {
	class := Classify(toolName)

	switch class {
	case ClassAlwaysAllow, ClassAskUser:
		return Verdict{Allow: true}
	case ClassUnknown:
		if h.trust() == models.TrustDirect {
			return Verdict{Allow: true}
		}
		return Verdict{Allow: false, Reason: fmt.Sprintf("tool %s is not permitted in restricted mode", toolName)}
	case ClassBash:
		return h.checkBash(ctx, toolUseID, input)
	case ClassRead, ClassWrite:
		return h.checkPath(ctx, class, toolName, toolUseID, input)
	}
	return Verdict{Allow: false, Reason: "unclassified tool"}
}

func (h *Handler) trust() models.TrustLevel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.perms.Trust
}

// checkPath runs the decision procedure for Read/Write tools: normalize,
// deny list, trust shortcut, glob match, then the interactive prompt.
func (h *Handler) checkPath(ctx context.Context, class Class, toolName, toolUseID string, input map[string]any) Verdict {
	raw := pathFromInput(input)
	rel := h.vlt.Relativize(raw)

	if pattern, hit := h.vlt.Denied(raw); hit {
		h.logger.Info("deny list hit", "tool", toolName, "path", rel, "pattern", pattern)
		return Verdict{Allow: false, Reason: fmt.Sprintf("path %s matches deny pattern %s", rel, pattern)}
	}

	if h.trust() == models.TrustDirect {
		return Verdict{Allow: true}
	}

	h.mu.Lock()
	globs := h.perms.ReadGlobs
	if class == ClassWrite {
		globs = h.perms.WriteGlobs
	}
	h.mu.Unlock()
	if _, ok := vault.MatchAny(globs, rel); ok {
		return Verdict{Allow: true}
	}

	return h.requestApproval(ctx, toolName, toolUseID, rel, input, SuggestPatterns(rel))
}

// checkBash applies the dangerous-pattern filter at every trust level,
// then the session's bash policy, then the interactive prompt.
func (h *Handler) checkBash(ctx context.Context, toolUseID string, input map[string]any) Verdict {
	command, _ := input["command"].(string)
	if pattern, hit := DangerousCommand(command); hit {
		h.logger.Warn("dangerous command rejected", "pattern", pattern)
		return Verdict{Allow: false, Reason: "command matches a blocked pattern"}
	}

	h.mu.Lock()
	policy := h.perms.Bash
	trust := h.perms.Trust
	h.mu.Unlock()

	if trust == models.TrustDirect {
		return Verdict{Allow: true}
	}
	if policy.Allows(command) {
		return Verdict{Allow: true}
	}

	base := firstWord(command)
	var suggestions []string
	if base != "" {
		suggestions = []string{base}
	}
	return h.requestApproval(ctx, "Bash", toolUseID, "", input, suggestions)
}

// requestApproval creates the pending request, emits it on the stream,
// and blocks for the operator verdict or the timeout.
func (h *Handler) requestApproval(ctx context.Context, toolName, toolUseID, rel string, input map[string]any, suggestions []string) Verdict {
	sid := h.SessionID()
	req := &approval{
		id:          RequestID(sid, toolUseID),
		tool:        toolName,
		path:        rel,
		input:       input,
		suggestions: suggestions,
		status:      StatusPending,
		resolve:     make(chan Verdict, 1),
	}

	h.mu.Lock()
	if h.drained {
		h.mu.Unlock()
		return Verdict{Allow: false, Reason: "session ended"}
	}
	h.approvals[req.id] = req
	h.mu.Unlock()

	h.emit(models.StreamEvent{
		Type:      models.EventPermissionRequest,
		SessionID: sid,
		Timestamp: time.Now(),
		Permission: &models.PermissionPayload{
			RequestID:   req.id,
			Tool:        toolName,
			Path:        rel,
			Input:       input,
			Suggestions: suggestions,
		},
	})
	h.logger.Info("approval requested", "tool", toolName, "path", rel, "request_id", req.id)

	timer := time.NewTimer(h.approvalTimeout)
	defer timer.Stop()
	select {
	case v := <-req.resolve:
		return v
	case <-timer.C:
		if h.expireApproval(req) {
			h.logger.Warn("approval request timed out", "request_id", req.id, "tool", toolName)
			h.countOutcome("timeout")
			return Verdict{Allow: false, Reason: "approval timed out"}
		}
		// Resolved concurrently with the timer; take the real verdict.
		return <-req.resolve
	case <-ctx.Done():
		h.expireApproval(req)
		return Verdict{Allow: false, Reason: "turn cancelled"}
	}
}

// expireApproval marks the request timed out if still pending.
func (h *Handler) expireApproval(req *approval) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if req.status != StatusPending {
		return false
	}
	req.status = StatusTimeout
	delete(h.approvals, req.id)
	return true
}

// Grant resolves a pending approval as allowed. A non-empty pattern
// augments the session's permission set monotonically so same-turn
// re-checks pass without prompting. Idempotent: false when the request is
// unknown or already resolved.
func (h *Handler) Grant(requestID, pattern string) bool {
	h.mu.Lock()
	req, ok := h.approvals[requestID]
	if !ok || req.status != StatusPending {
		h.mu.Unlock()
		return false
	}
	req.status = StatusGranted
	req.pattern = pattern
	delete(h.approvals, requestID)
	if pattern != "" {
		h.addGrantLocked(req.tool, pattern)
	}
	h.mu.Unlock()

	req.resolve <- Verdict{Allow: true}
	h.countOutcome("granted")
	h.logger.Info("approval granted", "request_id", requestID, "pattern", pattern)
	return true
}

// Deny resolves a pending approval as refused. Idempotent like Grant.
func (h *Handler) Deny(requestID string) bool {
	h.mu.Lock()
	req, ok := h.approvals[requestID]
	if !ok || req.status != StatusPending {
		h.mu.Unlock()
		return false
	}
	req.status = StatusDenied
	delete(h.approvals, requestID)
	h.mu.Unlock()

	req.resolve <- Verdict{Allow: false, Reason: "denied by operator"}
	h.countOutcome("denied")
	h.logger.Info("approval denied", "request_id", requestID)
	return true
}

// addGrantLocked grows the permission set for the tool's class. Grants
// never shrink mid-turn.
func (h *Handler) addGrantLocked(tool, pattern string) {
	switch Classify(tool) {
	case ClassRead:
		h.perms.ReadGlobs = appendUnique(h.perms.ReadGlobs, pattern)
	case ClassWrite:
		h.perms.WriteGlobs = appendUnique(h.perms.WriteGlobs, pattern)
	case ClassBash:
		if h.perms.Bash.Mode != models.BashUnrestricted {
			h.perms.Bash.Mode = models.BashList
			h.perms.Bash.Commands = appendUnique(h.perms.Bash.Commands, pattern)
		}
	default:
		return
	}
	h.dirty = true
}

// StashQuestionToolUse records a tool_use ID the orchestrator saw on an
// AskUserQuestion block, so the question request can be keyed to it.
func (h *Handler) StashQuestionToolUse(toolUseID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stash = append(h.stash, toolUseID)
}

// AskQuestion runs the interactive round-trip: emit the question list,
// block for the operator's answers. Timeout returns an empty map so the
// runtime proceeds with a clear "no answer" signal.
func (h *Handler) AskQuestion(ctx context.Context, questions []models.Question) map[string]string {
	h.mu.Lock()
	if h.drained {
		h.mu.Unlock()
		return map[string]string{}
	}
	var toolUseID string
	if len(h.stash) > 0 {
		toolUseID = h.stash[0]
		h.stash = h.stash[1:]
	}
	sid := h.sessionID
	req := &question{
		id:      RequestID(sid, toolUseID),
		status:  StatusPending,
		resolve: make(chan map[string]string, 1),
	}
	h.questions[req.id] = req
	h.mu.Unlock()

	h.emit(models.StreamEvent{
		Type:      models.EventUserQuestion,
		SessionID: sid,
		Timestamp: time.Now(),
		Question: &models.QuestionPayload{
			RequestID: req.id,
			Questions: questions,
		},
	})
	h.logger.Info("user question emitted", "request_id", req.id, "questions", len(questions))

	timer := time.NewTimer(h.questionTimeout)
	defer timer.Stop()
	select {
	case answers := <-req.resolve:
		return answers
	case <-timer.C:
		if h.expireQuestion(req) {
			h.logger.Warn("user question timed out", "request_id", req.id)
			return map[string]string{}
		}
		return <-req.resolve
	case <-ctx.Done():
		h.expireQuestion(req)
		return map[string]string{}
	}
}

func (h *Handler) expireQuestion(req *question) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if req.status != StatusPending {
		return false
	}
	req.status = StatusTimeout
	delete(h.questions, req.id)
	return true
}

// Answer resolves a pending question with the operator's answer map.
// False when the request is unknown or already resolved.
func (h *Handler) Answer(requestID string, answers map[string]string) bool {
	h.mu.Lock()
	req, ok := h.questions[requestID]
	if !ok || req.status != StatusPending {
		h.mu.Unlock()
		return false
	}
	req.status = StatusGranted
	delete(h.questions, requestID)
	h.mu.Unlock()

	if answers == nil {
		answers = map[string]string{}
	}
	req.resolve <- answers
	h.logger.Info("user question answered", "request_id", requestID)
	return true
}

// HasPendingQuestion reports whether the request ID names an unresolved
// question.
func (h *Handler) HasPendingQuestion(requestID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.questions[requestID]
	return ok && req.status == StatusPending
}

// Drain force-resolves everything pending: approvals as denied, questions
// as empty answer maps. Called when the turn or session ends; the handler
// accepts no new requests afterwards.
func (h *Handler) Drain() {
	h.mu.Lock()
	if h.drained {
		h.mu.Unlock()
		return
	}
	h.drained = true
	approvals := h.approvals
	questions := h.questions
	h.approvals = make(map[string]*approval)
	h.questions = make(map[string]*question)
	for _, req := range approvals {
		req.status = StatusDenied
	}
	for _, req := range questions {
		req.status = StatusDenied
	}
	h.mu.Unlock()

	for _, req := range approvals {
		req.resolve <- Verdict{Allow: false, Reason: "session ended"}
	}
	for _, req := range questions {
		req.resolve <- map[string]string{}
	}
	if len(approvals)+len(questions) > 0 {
		h.logger.Info("drained pending requests",
			"approvals", len(approvals), "questions", len(questions))
	}
}

func (h *Handler) countOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.PermissionRequests.WithLabelValues(outcome).Inc()
	}
}

// RequestID derives the stable request key from session and tool-use IDs.
func RequestID(sessionID, toolUseID string) string {
	sid := sessionID
	if len(sid) > 8 {
		sid = sid[:8]
	}
	return fmt.Sprintf("%s-%s", sid, toolUseID)
}

func pathFromInput(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "notebook_path", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstWord(s string) string {
	base, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	return base
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
