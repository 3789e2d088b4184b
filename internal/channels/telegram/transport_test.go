package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/chat"
	"github.com/ouroboros-agent/ouroboros/internal/channels"
)

type fakeBotClient struct {
	updates        []models.Update
	sentMessages   []*bot.SendMessageParams
	sendMessageErr error
	file           *models.File
	getFileErr     error
}

func (f *fakeBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	if f.sendMessageErr != nil {
		return nil, f.sendMessageErr
	}
	f.sentMessages = append(f.sentMessages, params)
	return &models.Message{ID: 42}, nil
}

func (f *fakeBotClient) GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error) {
	if f.getFileErr != nil {
		return nil, f.getFileErr
	}
	return f.file, nil
}

func (f *fakeBotClient) GetMe(ctx context.Context) (*models.User, error) {
	return &models.User{ID: 1, IsBot: true}, nil
}

func (f *fakeBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return true, nil
}

func (f *fakeBotClient) GetUpdates(ctx context.Context, params *bot.GetUpdatesParams) ([]models.Update, error) {
	return f.updates, nil
}

func newTestTransport(t *testing.T, client BotClient) *Transport {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Transport{
		cfg:         Config{Token: "test-token", RateLimit: 1000, RateBurst: 1000, Logger: logger},
		client:      client,
		rateLimiter: channels.NewRateLimiter(1000, 1000),
		logger:      logger,
	}
}

func TestPollUpdates_ConvertsMessageFields(t *testing.T) {
	client := &fakeBotClient{
		updates: []models.Update{
			{
				ID: 101,
				Message: &models.Message{
					Text:  "hello",
					From:  &models.User{ID: 7},
					Chat:  models.Chat{ID: 99},
					Photo: []models.PhotoSize{{FileID: "photo-1", Width: 100, Height: 100}},
				},
			},
		},
	}
	tr := newTestTransport(t, client)

	updates, err := tr.PollUpdates(context.Background(), 0, 15)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(101), updates[0].UpdateID)
	require.NotNil(t, updates[0].Message)
	assert.Equal(t, "hello", updates[0].Message.Text)
	assert.Equal(t, int64(7), updates[0].Message.From.ID)
	assert.Equal(t, int64(99), updates[0].Message.Chat.ID)
	require.Len(t, updates[0].Message.Photo, 1)
	assert.Equal(t, "photo-1", updates[0].Message.Photo[0].FileID)
}

func TestPollUpdates_HandlesNonMessageUpdate(t *testing.T) {
	client := &fakeBotClient{updates: []models.Update{{ID: 5}}}
	tr := newTestTransport(t, client)

	updates, err := tr.PollUpdates(context.Background(), 0, 15)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Nil(t, updates[0].Message)
}

func TestSendMessage_ReturnsMessageID(t *testing.T) {
	client := &fakeBotClient{}
	tr := newTestTransport(t, client)

	id, err := tr.SendMessage(context.Background(), 99, "hi", chat.ParseModeNone)
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	require.Len(t, client.sentMessages, 1)
	assert.Equal(t, int64(99), client.sentMessages[0].ChatID)
}

func TestSendMessage_WrapsFailure(t *testing.T) {
	client := &fakeBotClient{sendMessageErr: errors.New("boom")}
	tr := newTestTransport(t, client)

	_, err := tr.SendMessage(context.Background(), 99, "hi", chat.ParseModeNone)
	assert.Error(t, err)
}

func TestDownloadFile_RejectsMissingFilePath(t *testing.T) {
	client := &fakeBotClient{file: &models.File{}}
	tr := newTestTransport(t, client)

	_, _, err := tr.DownloadFile(context.Background(), "file-1")
	assert.Error(t, err)
}

func TestIsRateLimitError(t *testing.T) {
	assert.True(t, isRateLimitError(errors.New("Too Many Requests: retry later")))
	assert.True(t, isRateLimitError(errors.New("HTTP 429")))
	assert.False(t, isRateLimitError(errors.New("some other failure")))
	assert.False(t, isRateLimitError(nil))
}
