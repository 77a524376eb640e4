// Package orchestrator drives one conversational turn end to end: it
// resolves the session, chooses direct or sandboxed execution, feeds the
// stream manager, brokers permission round-trips, and settles persistence
// when the turn ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parachute-dev/parachute/internal/agent"
	"github.com/parachute-dev/parachute/internal/observability"
	"github.com/parachute-dev/parachute/internal/permissions"
	"github.com/parachute-dev/parachute/internal/perrors"
	"github.com/parachute-dev/parachute/internal/sandbox"
	"github.com/parachute-dev/parachute/internal/sessions"
	"github.com/parachute-dev/parachute/internal/stream"
	"github.com/parachute-dev/parachute/internal/vault"
	"github.com/parachute-dev/parachute/pkg/models"
)

// TempIDPrefix marks stream IDs issued before the runtime announces the
// real session ID. The stream manager rekeys them in place.
const TempIDPrefix = "temp-"

// RecoveryMode selects what happens when resuming a runtime session
// fails.
type RecoveryMode string

const (
	// RecoveryFresh restarts the conversation with only a notice.
	RecoveryFresh RecoveryMode = "fresh"

	// RecoveryContext restarts and prepends a short continuity note
	// built from the stored session record.
	RecoveryContext RecoveryMode = "context"
)

// Curator names and summarizes sessions after the fact. Implemented by
// internal/curator; nil disables titling.
type Curator interface {
	Title(ctx context.Context, userMessage, assistantReply string) (string, error)
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Config carries the per-process execution settings.
type Config struct {
	DefaultModel string

	// DefaultTrust applies to sessions created without an explicit
	// level. Defaults to sandboxed.
	DefaultTrust models.TrustLevel

	// WorkingDir is the vault-relative default working directory for
	// new sessions.
	WorkingDir string

	// AgentExecutable overrides the runtime binary name for direct
	// turns.
	AgentExecutable string

	// Token is the LLM credential forwarded to sandboxed turns.
	Token string

	// Credentials are operator secrets for sandboxed turns; injection
	// is still gated per-source by the sandbox manager.
	Credentials map[string]string

	Recovery RecoveryMode
}

// Orchestrator wires the turn pipeline together.
type Orchestrator struct {
	store   sessions.Store
	streams *stream.Manager
	perms   *permissions.Registry
	runtime agent.Runtime
	boxes   *sandbox.Manager
	vlt     *vault.Vault
	curator Curator
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

func New(store sessions.Store, streams *stream.Manager, perms *permissions.Registry,
	runtime agent.Runtime, boxes *sandbox.Manager, vlt *vault.Vault,
	cfg Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Recovery == "" {
		cfg.Recovery = RecoveryFresh
	}
	if !cfg.DefaultTrust.Valid() {
		cfg.DefaultTrust = models.TrustSandboxed
	}
	return &Orchestrator{
		store:   store,
		streams: streams,
		perms:   perms,
		runtime: runtime,
		boxes:   boxes,
		vlt:     vlt,
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// SetCurator installs the session curator after construction; the curator
// depends on config loaded later in startup.
func (o *Orchestrator) SetCurator(c Curator) {
	o.curator = c
}

// Request describes one inbound user turn.
type Request struct {
	// SessionID is an existing session, or ""/"new" to start one.
	SessionID string
	Message   string
	Source    models.SessionSource

	// Module scopes a new session to a vault subtree.
	Module string

	// BotLink ties a new session to a platform chat.
	BotLink *models.BotLink

	// Attachments are vault-relative paths already ingested by the
	// media pipeline, referenced in the prompt.
	Attachments []string

	// SystemPrompt overrides the runtime system prompt for this turn.
	SystemPrompt string

	// WorkingDir overrides the working directory for a new session
	// (vault-relative).
	WorkingDir string

	// Contexts are extra context snippets appended to the prompt.
	Contexts []string

	// Recovery overrides the configured recovery mode for this turn.
	Recovery RecoveryMode

	// Trust overrides the default trust level for a new session, e.g.
	// carried over from a pairing approval.
	Trust models.TrustLevel
}

// Run starts the turn and returns immediately with the stream ID the
// caller should subscribe under. For new sessions this is a temporary ID
// that the stream manager rekeys once the runtime announces the real one.
func (o *Orchestrator) Run(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		return "", perrors.Protocol("empty message", nil)
	}
	if req.Source == "" {
		req.Source = models.SourceUnknown
	}

	var (
		session *models.Session
		fresh   bool
	)
	streamID := req.SessionID
	switch req.SessionID {
	case "", "new":
		fresh = true
		streamID = TempIDPrefix + uuid.NewString()
		session = o.newSession(req)
	default:
		existing, err := o.store.Get(ctx, req.SessionID)
		if err != nil {
			if errors.Is(err, sessions.ErrNotFound) {
				return "", perrors.NotFound("session "+req.SessionID, err)
			}
			return "", perrors.Internal("load session", err)
		}
		if existing.Archived {
			return "", perrors.Conflict("session is archived", nil)
		}
		session = existing
	}

	if o.streams.HasActiveStream(streamID) {
		return "", perrors.Conflict("session already has an active stream", stream.ErrAlreadyActive)
	}

	perms := models.PermissionsOf(session)
	events := make(chan models.StreamEvent, 64)
	emit := func(ev models.StreamEvent) {
		events <- ev
	}

	handler := permissions.NewHandler(streamID, o.vlt, perms, emit, o.logger,
		permissions.WithHandlerMetrics(o.metrics))
	o.perms.Register(handler)

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &turn{
		o:        o,
		req:      req,
		session:  session,
		fresh:    fresh,
		streamID: streamID,
		perms:    perms,
		handler:  handler,
		events:   events,
		cancel:   cancel,
	}

	interrupt := t.startRuntime(turnCtx)
	if interrupt == nil {
		o.perms.Remove(streamID)
		cancel()
		close(events)
		return "", t.startErr
	}

	if err := o.streams.StartStream(streamID, events, interrupt); err != nil {
		// The pump goroutine owns the events channel now; interrupting
		// the runtime lets it settle and close things down.
		interrupt()
		return "", err
	}
	return streamID, nil
}

// Abort interrupts the active stream for a session, if any.
func (o *Orchestrator) Abort(sessionID string) bool {
	return o.streams.AbortStream(sessionID)
}

func (o *Orchestrator) newSession(req Request) *models.Session {
	now := time.Now().UTC()
	s := &models.Session{
		Source:       req.Source,
		Module:       req.Module,
		CreatedAt:    now,
		LastAccessed: now,
		WorkingDir:   o.cfg.WorkingDir,
		Model:        o.cfg.DefaultModel,
		Trust:        o.cfg.DefaultTrust,
		BotLink:      req.BotLink,
	}
	if req.Trust.Valid() {
		s.Trust = req.Trust
	}
	if req.Module != "" {
		s.WorkingDir = req.Module
	}
	if req.WorkingDir != "" {
		s.WorkingDir = req.WorkingDir
	}
	return s
}

// recoveryFor picks the per-turn recovery mode, preferring the request's
// override.
func (o *Orchestrator) recoveryFor(req Request) RecoveryMode {
	if req.Recovery == RecoveryFresh || req.Recovery == RecoveryContext {
		return req.Recovery
	}
	return o.cfg.Recovery
}

// continuityNote is prepended to the prompt when a resume fails and
// recovery mode is context. It folds in the curated summary when one
// was saved from an earlier turn.
func continuityNote(s *models.Session) string {
	if s == nil {
		return "Note: the previous conversation state could not be restored; continue as a fresh conversation.\n\n"
	}
	if summary, ok := s.Metadata["summary"].(string); ok && summary != "" {
		return fmt.Sprintf("Note: the previous conversation could not be restored. Summary so far: %s\n\n", summary)
	}
	if s.Title == "" {
		return "Note: the previous conversation state could not be restored; continue as a fresh conversation.\n\n"
	}
	return fmt.Sprintf("Note: the previous conversation %q could not be restored; continue from what the user says next.\n\n", s.Title)
}
