// Package chat defines the abstract chat transport the Supervisor Main
// polls and sends through (spec §6 "Chat transport (abstract)").
package chat

import "context"

// Photo is one size variant of an inbound photo attachment.
type Photo struct {
	FileID string
	Width  int
	Height int
}

// From identifies the sender of an inbound message.
type From struct {
	ID int64
}

// Chat identifies the conversation an inbound message arrived on.
type Chat struct {
	ID int64
}

// Message is the transport-neutral shape of one inbound chat message.
type Message struct {
	From    From
	Chat    Chat
	Text    string
	Caption string
	Photo   []Photo
}

// Update is one polled update, carrying its own id for the dedup ring
// the Supervisor Main keeps (spec §4.10 step 2, §8 invariant 5).
type Update struct {
	UpdateID int64
	Message  *Message
}

// ParseMode selects how send_message's text is rendered by the transport.
type ParseMode string

const (
	ParseModeNone     ParseMode = ""
	ParseModeMarkdown ParseMode = "markdown"
)

// ChatAction is the indicator shown while a reply is being prepared.
type ChatAction string

const ChatActionTyping ChatAction = "typing"

// Transport is the full set of operations the Supervisor Main and Task
// Loop need from a chat backend (spec §6). Exactly one implementation is
// wired per runtime; internal/channels/telegram supplies the one used in
// production.
type Transport interface {
	// PollUpdates long-polls for new updates starting after offset,
	// returning once either an update arrives or timeoutSec elapses.
	PollUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error)

	// SendMessage delivers text to chatID and returns the transport's
	// message identifier for msg, primarily for logging/correlation.
	SendMessage(ctx context.Context, chatID int64, text string, mode ParseMode) (string, error)

	// SendChatAction shows a transient indicator (e.g. "typing") in chatID.
	SendChatAction(ctx context.Context, chatID int64, action ChatAction) error

	// DownloadFile fetches the bytes and MIME type of a previously
	// referenced file (e.g. a Photo's FileID).
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}
