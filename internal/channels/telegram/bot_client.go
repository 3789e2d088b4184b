package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// BotClient defines the interface for Telegram bot operations used by
// Transport. This interface allows for mock injection in tests while
// wrapping the actual bot.Bot methods.
type BotClient interface {
	// SendMessage sends a text message to a chat.
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)

	// GetFile retrieves file information for downloading.
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)

	// GetMe returns information about the bot.
	GetMe(ctx context.Context) (*models.User, error)

	// SendChatAction shows a transient indicator (e.g. "typing").
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)

	// GetUpdates long-polls for updates whose id is at least params.Offset.
	GetUpdates(ctx context.Context, params *bot.GetUpdatesParams) ([]models.Update, error)
}

// realBotClient wraps a *bot.Bot to implement BotClient.
type realBotClient struct {
	bot *bot.Bot
}

// newRealBotClient creates a new realBotClient wrapping the given bot.
func newRealBotClient(b *bot.Bot) BotClient {
	return &realBotClient{bot: b}
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error) {
	return r.bot.GetFile(ctx, params)
}

func (r *realBotClient) GetMe(ctx context.Context) (*models.User, error) {
	return r.bot.GetMe(ctx)
}

func (r *realBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r *realBotClient) GetUpdates(ctx context.Context, params *bot.GetUpdatesParams) ([]models.Update, error) {
	return r.bot.GetUpdates(ctx, params)
}
