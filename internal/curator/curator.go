// Package curator names and summarizes sessions with a small LLM call
// after the turn has already finished. Curation is best-effort: failures
// are logged and the session simply stays untitled.
package curator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/parachute-dev/parachute/internal/backoff"
)

const (
	defaultAnthropicModel = "claude-3-5-haiku-20241022"
	defaultOpenAIModel    = "gpt-4o-mini"

	titleSystem = "You title conversations. Reply with only a short title, at most six words, no quotes, no trailing punctuation."

	summarySystem = "You summarize conversations. Reply with a single plain-text paragraph of at most three sentences covering what was discussed and decided."

	maxTitleLen = 60
)

// ErrNoProvider means curation is configured off: no API key was given.
var ErrNoProvider = errors.New("curator: no provider configured")

// completer is one LLM backend able to answer a single-shot prompt.
type completer interface {
	complete(ctx context.Context, system, user string, maxTokens int) (string, error)
	name() string
}

// Config selects the curation backends. Anthropic is primary when both
// keys are present.
type Config struct {
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
}

// Curator produces titles and summaries. Safe for concurrent use.
type Curator struct {
	backends []completer
	logger   *slog.Logger
}

// New builds a curator from whichever keys are configured. Returns
// ErrNoProvider when there is nothing to build.
func New(cfg Config, logger *slog.Logger) (*Curator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var backends []completer
	if cfg.AnthropicAPIKey != "" {
		model := cfg.AnthropicModel
		if model == "" {
			model = defaultAnthropicModel
		}
		client := anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey))
		backends = append(backends, &anthropicCompleter{client: &client, model: model})
	}
	if cfg.OpenAIAPIKey != "" {
		model := cfg.OpenAIModel
		if model == "" {
			model = defaultOpenAIModel
		}
		backends = append(backends, &openaiCompleter{client: openai.NewClient(cfg.OpenAIAPIKey), model: model})
	}
	if len(backends) == 0 {
		return nil, ErrNoProvider
	}
	return &Curator{backends: backends, logger: logger.With("component", "curator")}, nil
}

// Title produces a short session title from the opening exchange.
func (c *Curator) Title(ctx context.Context, userMessage, assistantReply string) (string, error) {
	prompt := fmt.Sprintf("User: %s\n\nAssistant: %s", clip(userMessage, 2000), clip(assistantReply, 2000))
	raw, err := c.complete(ctx, titleSystem, prompt, 64)
	if err != nil {
		return "", err
	}
	return sanitizeTitle(raw), nil
}

// Summarize produces an archival summary of a transcript.
func (c *Curator) Summarize(ctx context.Context, transcript string) (string, error) {
	raw, err := c.complete(ctx, summarySystem, clip(transcript, 8000), 256)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(raw), nil
}

// complete tries each backend in order until one answers. Transient
// provider errors get one retry before falling through to the next
// backend.
func (c *Curator) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	var lastErr error
	for _, backend := range c.backends {
		out, err := backoff.Retry(ctx, backoff.DefaultPolicy(), 2, func(int) (string, error) {
			return backend.complete(ctx, system, user, maxTokens)
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		c.logger.Warn("curation backend failed", "backend", backend.name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

type anthropicCompleter struct {
	client *anthropic.Client
	model  string
}

func (a *anthropicCompleter) name() string { return "anthropic" }

func (a *anthropicCompleter) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		System:    []anthropic.TextBlockParam{{Type: "text", Text: system}},
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages.new: %w", err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("anthropic: empty response")
	}
	return b.String(), nil
}

type openaiCompleter struct {
	client *openai.Client
	model  string
}

func (o *openaiCompleter) name() string { return "openai" }

func (o *openaiCompleter) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// sanitizeTitle flattens whitespace, strips wrapping quotes, and clips.
func sanitizeTitle(raw string) string {
	title := strings.Join(strings.Fields(raw), " ")
	title = strings.Trim(title, `"'`)
	title = strings.TrimRight(title, ".!?")
	if len(title) > maxTitleLen {
		cut := title[:maxTitleLen]
		if i := strings.LastIndex(cut, " "); i > maxTitleLen/2 {
			cut = cut[:i]
		}
		title = cut
	}
	return title
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
