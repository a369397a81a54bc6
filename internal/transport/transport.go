// Package transport defines the chat-transport client surface the
// pipeline and uploader depend on (spec.md §6 "Transport client surface
// required"). internal/telegram binds this to the Telegram Bot API over
// plain HTTP; tests and the pipeline itself depend only on the interface.
package transport

import "context"

// Attachment carries the metadata a send call may attach to a file.
type Attachment struct {
	Caption       string
	ThumbnailPath string
	DurationSec   int
	Width         int
	Height        int
	Title         string
	Performer     string
}

// SentMessage is what a send call returns: enough to harvest a
// highest-quality transport id and to later edit the message.
type SentMessage struct {
	MessageID   int
	ChatID      int64
	TransportID string // highest-quality variant id for this message's media
}

// MediaGroupItem is one entry in a ≤10-item media group send.
type MediaGroupItem struct {
	Path    string
	Kind    string // "photo", "video", "audio", "document"
	Caption string // only the first item's caption is honored by most transports
}

// InlineResult is one entry returned from an inline query answer.
type InlineResult struct {
	ID          string
	Kind        string
	TransportID string
	Title       string
}

// Client is the transport surface the pipeline needs. Send* calls should
// apply their own per-attempt timeout and retry policy internally
// (spec.md §5: 3 retries on timeout with 5s/10s/15s backoff; other errors
// are not retried) so callers can treat a returned error as final.
type Client interface {
	SendPhoto(ctx context.Context, chatID int64, path string, att Attachment) (SentMessage, error)
	SendVideo(ctx context.Context, chatID int64, path string, att Attachment) (SentMessage, error)
	SendAudio(ctx context.Context, chatID int64, path string, att Attachment) (SentMessage, error)
	SendDocument(ctx context.Context, chatID int64, path string, att Attachment) (SentMessage, error)
	SendMediaGroup(ctx context.Context, chatID int64, items []MediaGroupItem) ([]SentMessage, error)

	DeleteMessage(ctx context.Context, chatID int64, messageID int) error

	AnswerInlineQuery(ctx context.Context, queryID string, results []InlineResult) error

	// DownloadFile fetches a previously-uploaded file by transport id to
	// destPath, used by the voice-batch aggregator's download step.
	DownloadFile(ctx context.Context, transportID, destPath string) error

	// SendText delivers a plain or HTML-formatted reply, used by the
	// voice-batch aggregator to publish a combined transcript.
	// replyToMessageID of 0 means no reply association.
	SendText(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int) (SentMessage, error)

	// SendTextWithButton is SendText plus a single inline button carrying
	// buttonPayload as its callback data (spec.md §4.I "summary action
	// button"). A press arrives as a callback query, which
	// telegram.Client.GetUpdates does not request and internal/dispatcher
	// does not handle, so nothing acts on it.
	SendTextWithButton(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int, buttonLabel, buttonPayload string) (SentMessage, error)
}
