// Package dispatcher turns incoming Telegram updates (text messages with
// submitted URLs, voice/video-note clips, inline queries) into calls
// against the request pipeline and voice-batch aggregator. It is the thin
// ingestion layer spec.md's core components assume already happened —
// canonicalization, caching, and upload are the pipeline's job; this
// package's only responsibility is pulling a URL or a voice clip out of
// an update and handing it off.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/arung-agamani/mediabot/internal/canon"
	"github.com/arung-agamani/mediabot/internal/pipeline"
	"github.com/arung-agamani/mediabot/internal/telegram"
	"github.com/arung-agamani/mediabot/internal/transport"
	"github.com/arung-agamani/mediabot/internal/voicebatch"
)

// urlPattern matches an http(s) URL, or a bare known-platform domain with
// a path, in free-form message text.
var urlPattern = regexp.MustCompile(`(https?://\S+|(?:instagram\.com|tiktok\.com|vt\.tiktok\.com|youtube\.com|youtu\.be|soundcloud\.com)/\S+)`)

// Dispatcher owns the long-poll loop against the Telegram Bot API.
type Dispatcher struct {
	client     *telegram.Client
	engine     *pipeline.Engine
	voiceBatch *voicebatch.Aggregator
	offset     int
}

// New builds a Dispatcher.
func New(client *telegram.Client, engine *pipeline.Engine, vb *voicebatch.Aggregator) *Dispatcher {
	return &Dispatcher{client: client, engine: engine, voiceBatch: vb}
}

// Run long-polls for updates until ctx is cancelled. It never returns an
// error for a single failed poll; those are logged and retried.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := d.client.GetUpdates(ctx, d.offset, 30)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("dispatcher: poll failed", "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			d.offset = u.UpdateID + 1
			d.handle(ctx, u)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, u telegram.Update) {
	switch {
	case u.Message != nil:
		d.handleMessage(ctx, u.Message)
	case u.InlineQuery != nil:
		d.handleInlineQuery(ctx, u.InlineQuery)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID

	if clip := msg.Voice; clip != nil {
		d.handleVoiceClip(msg, clip.FileID, "voice")
		return
	}
	if clip := msg.VideoNote; clip != nil {
		d.handleVoiceClip(msg, clip.FileID, "video_note")
		return
	}

	matches := urlPattern.FindAllString(msg.Text, -1)
	seen := make(map[string]bool, len(matches))
	for _, match := range matches {
		key := canon.Canonicalize(match)
		if seen[key] {
			continue
		}
		seen[key] = true

		go func(match string) {
			_, err := d.engine.Process(context.Background(), chatID, match, pipeline.PathMessage)
			if err != nil && !errors.Is(err, pipeline.ErrUnsupportedHost) {
				slog.Warn("dispatcher: pipeline process failed", "url", match, "chat_id", chatID, "error", err)
			}
		}(match)
	}
}

func (d *Dispatcher) handleVoiceClip(msg *telegram.Message, fileID, kind string) {
	userID := int64(0)
	if msg.From != nil {
		userID = msg.From.ID
	}
	d.voiceBatch.Add(voicebatch.Message{
		MessageID:      int64(msg.MessageID),
		ChatID:         msg.Chat.ID,
		UserID:         userID,
		SourceUniqueID: fileID,
		TransportID:    fileID,
		Kind:           kind,
	})
}

func (d *Dispatcher) handleInlineQuery(ctx context.Context, q *telegram.InlineQuery) {
	match := urlPattern.FindString(q.Query)
	if match == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, pipeline.InFlightDeadlineInline)
	defer cancel()

	outcome, err := d.engine.Process(ctx, q.From.ID, match, pipeline.PathInline)
	if err != nil {
		if !errors.Is(err, pipeline.ErrUnsupportedHost) {
			slog.Warn("dispatcher: inline process failed", "query", q.Query, "error", err)
		}
		return
	}
	if len(outcome.TransportIDs) == 0 {
		return
	}

	if err := d.client.AnswerInlineQuery(ctx, q.ID, []transport.InlineResult{
		{ID: uuid.NewString(), TransportID: outcome.TransportIDs[0], Kind: string(outcome.Kind)},
	}); err != nil {
		slog.Warn("dispatcher: answer inline query failed", "query_id", q.ID, "error", err)
	}
}
