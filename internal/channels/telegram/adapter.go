// Package telegram adapts Telegram Bot API long polling to the
// connector interface.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/parachute-dev/parachute/internal/channels"
	"github.com/parachute-dev/parachute/pkg/models"
)

// Saver ingests downloaded bot files into the vault and returns their
// vault-relative paths.
type Saver interface {
	Save(ctx context.Context, r io.Reader, filename string) (string, error)
}

// Config holds Telegram adapter settings.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// Media receives downloaded attachments. Nil disables ingestion.
	Media Saver

	Logger *slog.Logger
}

// Adapter is the Telegram connector half. Start runs long polling and
// blocks until the context ends.
type Adapter struct {
	cfg      Config
	messages chan *channels.IncomingMessage
	logger   *slog.Logger
	httpc    *http.Client

	mu       sync.RWMutex
	bot      *bot.Bot
	username string
}

// New creates a Telegram adapter. The token is required; connectivity
// is not checked until Start.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		messages: make(chan *channels.IncomingMessage, 100),
		logger:   cfg.Logger.With("component", "telegram"),
		httpc:    &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (a *Adapter) Platform() models.ChannelType { return models.ChannelTelegram }

// Start connects and long-polls until ctx ends. Token rejection is
// auth-class so the supervisor fails fast instead of retrying.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return channels.AuthError(fmt.Errorf("creating bot: %w", err))
	}

	me, err := b.GetMe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return channels.AuthError(fmt.Errorf("getMe: %w", err))
	}

	a.mu.Lock()
	a.bot = b
	a.username = me.Username
	a.mu.Unlock()

	a.logger.Info("telegram connected", "username", me.Username)

	// Blocks until ctx is cancelled.
	b.Start(ctx)
	return ctx.Err()
}

// Stop releases nothing extra: cancelling the Start context already
// ends long polling.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.bot = nil
	a.mu.Unlock()
	return nil
}

// Send delivers one chunk to a chat.
func (a *Adapter) Send(ctx context.Context, out *channels.OutgoingMessage) error {
	a.mu.RLock()
	b := a.bot
	a.mu.RUnlock()
	if b == nil {
		return fmt.Errorf("telegram: not connected")
	}

	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", out.ChatID, err)
	}

	_, err = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   out.Text,
	})
	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	return nil
}

func (a *Adapter) Messages() <-chan *channels.IncomingMessage {
	return a.messages
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	chatType := string(msg.Chat.Type)
	isGroup := chatType == "group" || chatType == "supergroup"

	in := &channels.IncomingMessage{
		Platform:    models.ChannelTelegram,
		UserID:      strconv.FormatInt(msg.From.ID, 10),
		DisplayName: displayName(msg.From),
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		Text:        text,
		IsGroup:     isGroup,
		Mentioned:   a.mentioned(msg, text),
	}
	in.Attachments = a.ingestAttachments(ctx, b, msg)

	if in.Text == "" && len(in.Attachments) == 0 {
		return
	}

	select {
	case a.messages <- in:
	default:
		a.logger.Warn("message channel full, dropping update",
			"chat_id", msg.Chat.ID)
	}
}

// mentioned reports whether the bot was addressed: @username in the
// text, or a direct reply to one of its messages.
func (a *Adapter) mentioned(msg *tgmodels.Message, text string) bool {
	a.mu.RLock()
	username := a.username
	a.mu.RUnlock()
	if username == "" {
		return false
	}
	if strings.Contains(text, "@"+username) {
		return true
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		return msg.ReplyToMessage.From.Username == username
	}
	return false
}

// ingestAttachments downloads photo/document/voice payloads through
// the bot file API and saves them into the vault. Failures are logged
// and skipped so the text still gets through.
func (a *Adapter) ingestAttachments(ctx context.Context, b *bot.Bot, msg *tgmodels.Message) []string {
	if a.cfg.Media == nil {
		return nil
	}

	type fileRef struct {
		id   string
		name string
	}
	var refs []fileRef

	if len(msg.Photo) > 0 {
		// Telegram sends every resolution; the last is the largest.
		best := msg.Photo[len(msg.Photo)-1]
		refs = append(refs, fileRef{id: best.FileID, name: "photo.jpg"})
	}
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = "document"
		}
		refs = append(refs, fileRef{id: msg.Document.FileID, name: name})
	}
	if msg.Voice != nil {
		refs = append(refs, fileRef{id: msg.Voice.FileID, name: "voice.ogg"})
	}

	var paths []string
	for _, ref := range refs {
		rel, err := a.downloadFile(ctx, b, ref.id, ref.name)
		if err != nil {
			a.logger.Warn("attachment download failed",
				"file_id", ref.id, "error", err)
			continue
		}
		paths = append(paths, rel)
	}
	return paths
}

func (a *Adapter) downloadFile(ctx context.Context, b *bot.Bot, fileID, name string) (string, error) {
	f, err := b.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("getFile: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.FileDownloadLink(f), nil)
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

	return a.cfg.Media.Save(ctx, resp.Body, name)
}

func displayName(u *tgmodels.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}
