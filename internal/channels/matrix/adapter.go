// Package matrix adapts a Matrix client-server sync loop to the
// connector interface.
package matrix

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/parachute-dev/parachute/internal/channels"
	"github.com/parachute-dev/parachute/pkg/models"
)

// Saver ingests downloaded media into the vault and returns its
// vault-relative path.
type Saver interface {
	Save(ctx context.Context, r io.Reader, filename string) (string, error)
}

// Config holds Matrix adapter settings.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Media receives downloaded attachments. Nil disables ingestion.
	Media Saver

	Logger *slog.Logger
}

// Adapter is the Matrix connector half. Start runs the sync loop and
// blocks until the context ends or sync fails.
type Adapter struct {
	cfg      Config
	messages chan *channels.IncomingMessage
	logger   *slog.Logger

	mu     sync.RWMutex
	client *mautrix.Client

	// direct caches the DM-vs-group classification per room.
	directMu sync.Mutex
	direct   map[id.RoomID]bool
}

// New creates a Matrix adapter. Credentials are required; they are not
// verified until Start.
func New(cfg Config) (*Adapter, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix: homeserver, user id, and access token are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		messages: make(chan *channels.IncomingMessage, 100),
		logger:   cfg.Logger.With("component", "matrix"),
		direct:   make(map[id.RoomID]bool),
	}, nil
}

func (a *Adapter) Platform() models.ChannelType { return models.ChannelMatrix }

// Start connects, verifies the token, and syncs until ctx ends or the
// sync loop fails. Token rejection is auth-class so the supervisor
// fails fast.
func (a *Adapter) Start(ctx context.Context) error {
	client, err := mautrix.NewClient(a.cfg.Homeserver, id.UserID(a.cfg.UserID), a.cfg.AccessToken)
	if err != nil {
		return fmt.Errorf("matrix: creating client: %w", err)
	}

	if _, err := client.Whoami(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channels.AuthError(fmt.Errorf("whoami: %w", err))
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, a.handleMessage)
	syncer.OnEventType(event.StateMember, a.handleMemberEvent)

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	a.logger.Info("matrix connected",
		"homeserver", a.cfg.Homeserver, "user_id", a.cfg.UserID)

	err = client.SyncWithContext(ctx)

	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("matrix: sync ended: %w", err)
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client != nil {
		client.StopSync()
	}
	return nil
}

// Send delivers one chunk to a room as m.text.
func (a *Adapter) Send(ctx context.Context, out *channels.OutgoingMessage) error {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("matrix: not connected")
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    out.Text,
	}
	_, err := client.SendMessageEvent(ctx, id.RoomID(out.ChatID), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("matrix: send to %s: %w", out.ChatID, err)
	}
	return nil
}

func (a *Adapter) Messages() <-chan *channels.IncomingMessage {
	return a.messages
}

func (a *Adapter) handleMessage(ctx context.Context, evt *event.Event) {
	if string(evt.Sender) == a.cfg.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	var attachments []string
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		// plain text, nothing to download
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		if rel, err := a.downloadMedia(ctx, content); err != nil {
			a.logger.Warn("media download failed",
				"event_id", evt.ID, "error", err)
		} else if rel != "" {
			attachments = append(attachments, rel)
		}
	default:
		return
	}

	text := content.Body
	if len(attachments) > 0 && content.MsgType != event.MsgText {
		// for media events the body is just the filename
		text = ""
	}
	if text == "" && len(attachments) == 0 {
		return
	}

	in := &channels.IncomingMessage{
		Platform:    models.ChannelMatrix,
		UserID:      string(evt.Sender),
		DisplayName: evt.Sender.Localpart(),
		ChatID:      string(evt.RoomID),
		Text:        text,
		IsGroup:     a.isGroupRoom(ctx, evt.RoomID),
		Mentioned:   a.mentioned(content),
		Attachments: attachments,
	}

	select {
	case a.messages <- in:
	default:
		a.logger.Warn("message channel full, dropping event", "event_id", evt.ID)
	}
}

// handleMemberEvent auto-joins rooms the bot is invited to.
func (a *Adapter) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	if content.Membership != event.MembershipInvite || evt.GetStateKey() != a.cfg.UserID {
		return
	}

	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return
	}

	if _, err := client.JoinRoom(ctx, string(evt.RoomID), nil); err != nil {
		a.logger.Error("failed to join room", "room_id", evt.RoomID, "error", err)
		return
	}
	a.logger.Info("joined room on invite", "room_id", evt.RoomID)
}

// mentioned checks the intentional-mentions block first, then falls
// back to a literal user-id match in the body.
func (a *Adapter) mentioned(content *event.MessageEventContent) bool {
	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			if string(uid) == a.cfg.UserID {
				return true
			}
		}
	}
	self := id.UserID(a.cfg.UserID)
	return strings.Contains(content.Body, a.cfg.UserID) ||
		strings.Contains(content.Body, self.Localpart()+":")
}

// isGroupRoom treats rooms with exactly two joined members as DMs.
// The classification is cached per room.
func (a *Adapter) isGroupRoom(ctx context.Context, roomID id.RoomID) bool {
	a.directMu.Lock()
	if group, ok := a.direct[roomID]; ok {
		a.directMu.Unlock()
		return group
	}
	a.directMu.Unlock()

	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return false
	}

	resp, err := client.JoinedMembers(ctx, roomID)
	if err != nil {
		a.logger.Warn("member lookup failed", "room_id", roomID, "error", err)
		return false
	}
	group := len(resp.Joined) > 2

	a.directMu.Lock()
	a.direct[roomID] = group
	a.directMu.Unlock()
	return group
}

// downloadMedia fetches the mxc content behind a media event and saves
// it through the media pipeline.
func (a *Adapter) downloadMedia(ctx context.Context, content *event.MessageEventContent) (string, error) {
	if a.cfg.Media == nil || content.URL == "" {
		return "", nil
	}

	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return "", fmt.Errorf("not connected")
	}

	mxc, err := content.URL.Parse()
	if err != nil {
		return "", fmt.Errorf("parsing mxc uri: %w", err)
	}
	data, err := client.DownloadBytes(ctx, mxc)
	if err != nil {
		return "", fmt.Errorf("downloading: %w", err)
	}

	name := content.Body
	if name == "" {
		name = "attachment"
	}
	return a.cfg.Media.Save(ctx, bytes.NewReader(data), name)
}
