// Package discord adapts the Discord gateway to the connector
// interface.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/parachute-dev/parachute/internal/channels"
	"github.com/parachute-dev/parachute/pkg/models"
)

// Saver ingests downloaded attachments into the vault and returns
// their vault-relative paths.
type Saver interface {
	Save(ctx context.Context, r io.Reader, filename string) (string, error)
}

// Config holds Discord adapter settings.
type Config struct {
	// Token is the bot token from the developer portal.
	Token string

	// Media receives downloaded attachments. Nil disables ingestion.
	Media Saver

	Logger *slog.Logger
}

// Adapter is the Discord connector half. Start opens the gateway and
// blocks until the context ends.
type Adapter struct {
	cfg      Config
	messages chan *channels.IncomingMessage
	logger   *slog.Logger
	httpc    *http.Client

	mu      sync.RWMutex
	session *discordgo.Session
	selfID  string
}

// New creates a Discord adapter. The token is required; connectivity
// is not checked until Start.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		messages: make(chan *channels.IncomingMessage, 100),
		logger:   cfg.Logger.With("component", "discord"),
		httpc:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (a *Adapter) Platform() models.ChannelType { return models.ChannelDiscord }

// Start opens the gateway websocket and blocks until ctx ends. Token
// rejection is auth-class so the supervisor fails fast.
func (a *Adapter) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return channels.AuthError(fmt.Errorf("creating session: %w", err))
	}

	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	dg.AddHandler(a.handleMessageCreate)

	if err := dg.Open(); err != nil {
		if isAuthFailure(err) {
			return channels.AuthError(fmt.Errorf("opening gateway: %w", err))
		}
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	selfID := ""
	if dg.State != nil && dg.State.User != nil {
		selfID = dg.State.User.ID
	}

	a.mu.Lock()
	a.session = dg
	a.selfID = selfID
	a.mu.Unlock()

	a.logger.Info("discord connected", "user_id", selfID)

	<-ctx.Done()

	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()

	if err := dg.Close(); err != nil {
		a.logger.Warn("closing discord session", "error", err)
	}
	return ctx.Err()
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	dg := a.session
	a.session = nil
	a.mu.Unlock()
	if dg != nil {
		return dg.Close()
	}
	return nil
}

// Send delivers one chunk to a channel.
func (a *Adapter) Send(ctx context.Context, out *channels.OutgoingMessage) error {
	a.mu.RLock()
	dg := a.session
	a.mu.RUnlock()
	if dg == nil {
		return fmt.Errorf("discord: not connected")
	}

	_, err := dg.ChannelMessageSend(out.ChatID, out.Text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: send to %s: %w", out.ChatID, err)
	}
	return nil
}

func (a *Adapter) Messages() <-chan *channels.IncomingMessage {
	return a.messages
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	a.mu.RLock()
	selfID := a.selfID
	a.mu.RUnlock()
	if m.Author.ID == selfID {
		return
	}

	in := &channels.IncomingMessage{
		Platform:    models.ChannelDiscord,
		UserID:      m.Author.ID,
		DisplayName: authorName(m),
		ChatID:      m.ChannelID,
		Text:        m.Content,
		IsGroup:     m.GuildID != "",
		Mentioned:   mentionsUser(m, selfID),
	}
	in.Attachments = a.ingestAttachments(m)

	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}

	select {
	case a.messages <- in:
	default:
		a.logger.Warn("message channel full, dropping message",
			"channel_id", m.ChannelID)
	}
}

// ingestAttachments downloads CDN attachments into the vault.
// Failures are logged and skipped so the text still gets through.
func (a *Adapter) ingestAttachments(m *discordgo.MessageCreate) []string {
	if a.cfg.Media == nil || len(m.Attachments) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var paths []string
	for _, att := range m.Attachments {
		rel, err := a.downloadAttachment(ctx, att)
		if err != nil {
			a.logger.Warn("attachment download failed",
				"filename", att.Filename, "error", err)
			continue
		}
		paths = append(paths, rel)
	}
	return paths
}

func (a *Adapter) downloadAttachment(ctx context.Context, att *discordgo.MessageAttachment) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading: status %d", resp.StatusCode)
	}

	name := att.Filename
	if name == "" {
		name = "attachment"
	}
	return a.cfg.Media.Save(ctx, resp.Body, name)
}

func mentionsUser(m *discordgo.MessageCreate, selfID string) bool {
	if selfID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == selfID {
			return true
		}
	}
	return false
}

func authorName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// isAuthFailure detects gateway close 4004 (invalid token) style
// failures from the opaque error string.
func isAuthFailure(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "authentication failed") ||
		strings.Contains(s, "invalid token") ||
		strings.Contains(s, "401")
}
