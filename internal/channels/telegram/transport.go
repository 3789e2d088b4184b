// Package telegram adapts go-telegram/bot into the Supervisor's chat.Transport
// (spec §6): offset-based long-polling rather than the library's own
// push-handler model, so the Supervisor Main owns the poll loop and the
// update-id dedup ring directly.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/ouroboros-agent/ouroboros/internal/chat"
	"github.com/ouroboros-agent/ouroboros/internal/channels"
	"github.com/ouroboros-agent/ouroboros/internal/channels/utils"
)

// Config holds the Telegram transport's configuration.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// RateLimit/RateBurst bound outbound API calls (Telegram's own limit
	// is roughly 30/s).
	RateLimit float64
	RateBurst int

	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	c.Logger = utils.EnsureLogger(c.Logger)
	return nil
}

// Transport implements chat.Transport over the Telegram Bot API.
type Transport struct {
	cfg         Config
	bot         *bot.Bot
	client      BotClient
	rateLimiter *channels.RateLimiter
	logger      *slog.Logger
}

// New creates a Transport, validating cfg and constructing the underlying
// bot client. It does not make any network calls itself.
func New(cfg Config) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b, err := bot.New(cfg.Token)
	if err != nil {
		return nil, channels.ErrAuthentication("failed to create telegram bot", err)
	}
	return &Transport{
		cfg:         cfg,
		bot:         b,
		client:      newRealBotClient(b),
		rateLimiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:      cfg.Logger,
	}, nil
}

// SetBotClient overrides the underlying BotClient, for tests.
func (t *Transport) SetBotClient(c BotClient) { t.client = c }

// PollUpdates implements chat.Transport (spec §6's poll_updates). offset is
// the last update id already handled; getUpdates takes the id of the first
// update to return, hence offset+1.
func (t *Transport) PollUpdates(ctx context.Context, offset int64, timeoutSec int) ([]chat.Update, error) {
	raw, err := t.client.GetUpdates(ctx, &bot.GetUpdatesParams{
		Offset:  int(offset) + 1,
		Timeout: timeoutSec,
	})
	if err != nil {
		return nil, channels.ErrConnection("telegram getUpdates failed", err)
	}

	out := make([]chat.Update, 0, len(raw))
	for _, u := range raw {
		out = append(out, convertUpdate(u))
	}
	return out, nil
}

func convertUpdate(u models.Update) chat.Update {
	cu := chat.Update{UpdateID: int64(u.ID)}
	if u.Message == nil {
		return cu
	}
	m := &chat.Message{
		Text:    u.Message.Text,
		Caption: u.Message.Caption,
	}
	if u.Message.From != nil {
		m.From = chat.From{ID: u.Message.From.ID}
	}
	m.Chat = chat.Chat{ID: u.Message.Chat.ID}
	for _, p := range u.Message.Photo {
		m.Photo = append(m.Photo, chat.Photo{FileID: p.FileID, Width: p.Width, Height: p.Height})
	}
	cu.Message = m
	return cu
}

// SendMessage implements chat.Transport (spec §6's send_message).
func (t *Transport) SendMessage(ctx context.Context, chatID int64, text string, mode chat.ParseMode) (string, error) {
	if err := t.rateLimiter.Wait(ctx); err != nil {
		return "", channels.ErrTimeout("rate limit wait cancelled", err)
	}

	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if mode == chat.ParseModeMarkdown {
		params.ParseMode = models.ParseModeMarkdown
	}

	sent, err := t.client.SendMessage(ctx, params)
	if err != nil {
		if isRateLimitError(err) {
			return "", channels.ErrRateLimit("telegram rate limit exceeded", err)
		}
		return "", channels.ErrInternal("failed to send message", err)
	}
	return fmt.Sprintf("%d", sent.ID), nil
}

// SendChatAction implements chat.Transport (spec §6's send_chat_action).
// Failures are swallowed: a typing indicator is best-effort.
func (t *Transport) SendChatAction(ctx context.Context, chatID int64, action chat.ChatAction) error {
	apiAction := models.ChatActionTyping
	_, err := t.client.SendChatAction(ctx, &bot.SendChatActionParams{ChatID: chatID, Action: apiAction})
	if err != nil {
		t.logger.Debug("send chat action failed", "error", err, "chat_id", chatID)
	}
	return nil
}

// DownloadFile implements chat.Transport (spec §6's download_file).
func (t *Transport) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := t.client.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", channels.ErrConnection("telegram getFile failed", err)
	}
	if file == nil || file.FilePath == "" {
		return nil, "", channels.ErrInvalidInput("telegram file path missing", nil)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", t.cfg.Token, file.FilePath)
	data, err := utils.DownloadURL(ctx, url, utils.DefaultDownloadOptions())
	if err != nil {
		return nil, "", channels.ErrConnection("download file", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(file.FilePath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return data, mimeType, nil
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}
