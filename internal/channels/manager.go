package channels

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parachute-dev/parachute/internal/observability"
	"github.com/parachute-dev/parachute/internal/orchestrator"
	"github.com/parachute-dev/parachute/internal/pairing"
	"github.com/parachute-dev/parachute/internal/sessions"
	"github.com/parachute-dev/parachute/internal/stream"
	"github.com/parachute-dev/parachute/pkg/models"
)

// ResponseMode controls which group messages trigger a turn.
type ResponseMode string

const (
	// MentionsOnly answers group messages only when the bot is
	// addressed. The default.
	MentionsOnly ResponseMode = "mentions_only"

	// AllMessages answers every group message.
	AllMessages ResponseMode = "all_messages"
)

// TurnRunner starts conversational turns. Implemented by the
// orchestrator.
type TurnRunner interface {
	Run(ctx context.Context, req orchestrator.Request) (string, error)
}

// sendLimits caps outgoing chunk sizes per platform.
var sendLimits = map[models.ChannelType]int{
	models.ChannelTelegram: TelegramLimit,
	models.ChannelDiscord:  DiscordLimit,
	models.ChannelMatrix:   MatrixLimit,
}

// Manager supervises the configured adapters and routes their messages
// through pairing into turns.
type Manager struct {
	runner  TurnRunner
	streams *stream.Manager
	store   sessions.Store
	pairs   *pairing.Store
	mode    ResponseMode
	logger  *slog.Logger
	metrics *observability.Metrics

	supervisors map[models.ChannelType]*supervisor
	adapters    map[models.ChannelType]Adapter
	groups      *contextBuffer

	chatLocks sync.Map // platform/chatID -> *sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(runner TurnRunner, streams *stream.Manager, store sessions.Store,
	pairs *pairing.Store, mode ResponseMode, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = MentionsOnly
	}
	return &Manager{
		runner:      runner,
		streams:     streams,
		store:       store,
		pairs:       pairs,
		mode:        mode,
		logger:      logger.With("component", "channels"),
		metrics:     metrics,
		supervisors: make(map[models.ChannelType]*supervisor),
		adapters:    make(map[models.ChannelType]Adapter),
		groups:      newContextBuffer(),
	}
}

// Add registers an adapter. Call before Start.
func (m *Manager) Add(adapter Adapter) {
	platform := adapter.Platform()
	m.adapters[platform] = adapter
	m.supervisors[platform] = newSupervisor(adapter, m.logger, m.metrics)
}

// Start launches every adapter's supervisor and message pump.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	for platform, sup := range m.supervisors {
		sup.start(runCtx)

		adapter := m.adapters[platform]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pump(runCtx, adapter)
		}()
	}
	if len(m.supervisors) > 0 {
		m.logger.Info("bot connectors started", "count", len(m.supervisors))
	}
}

// Stop shuts down all connectors and waits for in-flight routing.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	for _, sup := range m.supervisors {
		sup.stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Health reports the per-connector health surface.
func (m *Manager) Health() []Health {
	out := make([]Health, 0, len(m.supervisors))
	for platform, sup := range m.supervisors {
		allowed := 0
		if m.pairs != nil {
			if n, err := m.pairs.AllowedCount(platform); err == nil {
				allowed = n
			}
		}
		out = append(out, sup.snapshot(allowed))
	}
	return out
}

// pump drains one adapter's inbound messages for the manager's
// lifetime.
func (m *Manager) pump(ctx context.Context, adapter Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-adapter.Messages():
			if !ok {
				return
			}
			if sup := m.supervisors[adapter.Platform()]; sup != nil {
				sup.noteMessage()
			}
			if m.metrics != nil {
				m.metrics.MessageCounter.WithLabelValues(string(msg.Platform), "inbound").Inc()
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.route(ctx, adapter, msg)
			}()
		}
	}
}

// route applies pairing and the response-mode policy, then runs the
// turn under the chat's lock.
func (m *Manager) route(ctx context.Context, adapter Adapter, msg *IncomingMessage) {
	// The response-mode gate sits at ingress: group chatter that does
	// not trigger a turn still feeds the context buffer.
	if msg.IsGroup && !msg.Mentioned && m.mode == MentionsOnly {
		m.groups.Record(msg.ChatID, msg.DisplayName, msg.Text)
		return
	}

	allowed, err := m.userAllowed(msg)
	if err != nil {
		m.logger.Error("pairing lookup failed", "platform", string(msg.Platform), "error", err)
		return
	}
	if !allowed {
		m.handleUnpaired(ctx, adapter, msg)
		return
	}

	lock := m.chatLock(msg)
	lock.Lock()
	defer lock.Unlock()

	m.runTurn(ctx, adapter, msg)
}

func (m *Manager) userAllowed(msg *IncomingMessage) (bool, error) {
	if m.pairs == nil {
		return true, nil
	}
	return m.pairs.Allowed(msg.Platform, msg.UserID)
}

// handleUnpaired files a pairing request on first contact and parks the
// chat behind a pending session.
func (m *Manager) handleUnpaired(ctx context.Context, adapter Adapter, msg *IncomingMessage) {
	req, created, err := m.pairs.GetOrCreate(msg.Platform, msg.UserID, msg.DisplayName, msg.ChatID)
	if err != nil {
		m.logger.Error("failed to file pairing request", "platform", string(msg.Platform), "error", err)
		return
	}
	if req.Status == models.PairingDenied {
		return
	}
	if !created {
		// Already pending; stay quiet instead of nagging on every
		// message.
		return
	}

	session := &models.Session{
		Source:       msg.Platform.SourceFor(),
		Trust:        models.TrustSandboxed,
		CreatedAt:    time.Now().UTC(),
		LastAccessed: time.Now().UTC(),
		BotLink: &models.BotLink{
			Platform: msg.Platform,
			ChatID:   msg.ChatID,
			ChatType: chatType(msg),
		},
		Metadata: map[string]any{"pending_initialization": true},
	}
	session.ID = pendingSessionID(msg)
	if err := m.store.Create(ctx, session); err != nil {
		m.logger.Error("failed to create pending session", "error", err)
	} else if err := m.pairs.AttachSession(req.ID, session.ID); err != nil {
		m.logger.Warn("failed to link pairing request to session", "error", err)
	}

	m.send(ctx, adapter, msg.ChatID,
		"Hi! This chat needs operator approval before I can help. "+
			"Your pairing code is "+req.ID+".")
}

// HandlePairingResolved reacts to an operator decision: approved users
// get their pending session activated and an activation message.
func (m *Manager) HandlePairingResolved(req models.PairingRequest) {
	if req.Status != models.PairingApproved {
		return
	}
	adapter, ok := m.adapters[req.Platform]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if req.SessionID != "" {
		if session, err := m.store.Get(ctx, req.SessionID); err == nil {
			session.Trust = req.Trust
			delete(session.Metadata, "pending_initialization")
			if err := m.store.Update(ctx, session); err != nil {
				m.logger.Warn("failed to activate pending session", "error", err)
			}
		}
	}
	if req.ChatID != "" {
		m.send(ctx, adapter, req.ChatID, "You're approved! Send me a message to get started.")
	}
}

// runTurn resolves the chat's session, starts the turn, collects the
// reply, and delivers it in platform-sized chunks.
func (m *Manager) runTurn(ctx context.Context, adapter Adapter, msg *IncomingMessage) {
	var contexts []string
	if msg.IsGroup {
		if block := m.groups.Format(msg.ChatID); block != "" {
			contexts = append(contexts, block)
		}
		m.groups.Record(msg.ChatID, msg.DisplayName, msg.Text)
	}

	req := orchestrator.Request{
		Message:     msg.Text,
		Source:      msg.Platform.SourceFor(),
		Contexts:    contexts,
		Attachments: msg.Attachments,
		BotLink: &models.BotLink{
			Platform: msg.Platform,
			ChatID:   msg.ChatID,
			ChatType: chatType(msg),
		},
	}
	if existing, err := m.store.FindByBotChat(ctx, msg.Platform, msg.ChatID); err == nil {
		switch {
		case isPendingInit(existing):
			return
		case existing.MessageCount == 0 && strings.HasPrefix(existing.ID, pendingIDPrefix):
			// Activated placeholder that never ran a turn: drop it and
			// let the runtime mint the durable ID on this first turn,
			// keeping the trust level the approval granted.
			req.Trust = existing.Trust
			if err := m.store.Delete(ctx, existing.ID); err != nil {
				m.logger.Warn("failed to drop placeholder session", "error", err)
			}
		default:
			req.SessionID = existing.ID
		}
	} else if !errors.Is(err, sessions.ErrNotFound) {
		m.logger.Error("bot chat lookup failed", "error", err)
		return
	}

	streamID, err := m.runner.Run(ctx, req)
	if err != nil {
		m.logger.Error("turn failed to start", "platform", string(msg.Platform), "error", err)
		m.send(ctx, adapter, msg.ChatID, "Sorry, I couldn't process that right now.")
		return
	}

	events, cancel, err := m.streams.Subscribe(streamID, true)
	if err != nil {
		m.logger.Error("subscribe failed", "stream_id", streamID, "error", err)
		return
	}
	defer cancel()

	reply, ok := collectReply(ctx, events)
	if !ok {
		m.send(ctx, adapter, msg.ChatID, "Sorry, something went wrong with that request.")
		return
	}
	if reply == "" {
		return
	}
	m.send(ctx, adapter, msg.ChatID, reply)
}

// collectReply accumulates text events until the terminal. ok is false
// when the turn ended in error.
func collectReply(ctx context.Context, events <-chan models.StreamEvent) (string, bool) {
	var text []byte
	for {
		select {
		case <-ctx.Done():
			return string(text), true
		case ev, open := <-events:
			if !open {
				return string(text), true
			}
			switch ev.Type {
			case models.EventText:
				text = append(text, ev.Text...)
			case models.EventDone:
				if len(text) == 0 {
					return ev.Result, true
				}
				return string(text), true
			case models.EventError:
				return "", false
			case models.EventAborted:
				return string(text), true
			}
		}
	}
}

// send splits the reply to the platform limit and delivers the chunks
// in order.
func (m *Manager) send(ctx context.Context, adapter Adapter, chatID, text string) {
	limit := sendLimits[adapter.Platform()]
	for _, chunk := range SplitMessage(text, limit) {
		if err := adapter.Send(ctx, &OutgoingMessage{ChatID: chatID, Text: chunk}); err != nil {
			m.logger.Error("send failed", "platform", string(adapter.Platform()),
				"error", scrubError(err.Error()))
			return
		}
		if m.metrics != nil {
			m.metrics.MessageCounter.WithLabelValues(string(adapter.Platform()), "outbound").Inc()
		}
	}
}

func (m *Manager) chatLock(msg *IncomingMessage) *sync.Mutex {
	key := string(msg.Platform) + "/" + msg.ChatID
	actual, _ := m.chatLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func chatType(msg *IncomingMessage) string {
	if msg.IsGroup {
		return "group"
	}
	return "dm"
}

const pendingIDPrefix = "pending-"

func pendingSessionID(msg *IncomingMessage) string {
	return pendingIDPrefix + string(msg.Platform) + "-" + msg.ChatID
}

func isPendingInit(s *models.Session) bool {
	pending, _ := s.Metadata["pending_initialization"].(bool)
	return pending
}
