// Package voicebatch implements the voice-message batch aggregator (spec
// component I): per-user debounced coalescing of rapidly-arriving voice
// and video-note messages into a single ordered transcription job.
package voicebatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arung-agamani/mediabot/internal/governor"
	"github.com/arung-agamani/mediabot/internal/oracle"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/transcode"
	"github.com/arung-agamani/mediabot/internal/transport"
)

const (
	// DefaultDebounce is the per-user arrival timer reset window.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultMaxBatch flushes a buffer before the debounce timer if reached.
	DefaultMaxBatch = 50

	// maxMessageLength is the transport's single-message size ceiling.
	maxMessageLength = 4096

	sendMaxRetries = 3
)

// Message is one voice or video-note message queued for batching.
type Message struct {
	MessageID      int64
	ChatID         int64
	UserID         int64
	SourceUniqueID string // transport-assigned unique id, used as the transcription key
	TransportID    string // id DownloadFile fetches the payload by
	Kind           string // "voice" or "video_note"
}

type userBuffer struct {
	messages []Message
	timer    *time.Timer
}

// Aggregator coalesces voice/video-note messages per user and runs the
// flush pipeline: download, convert, transcribe, concatenate, persist,
// deliver.
type Aggregator struct {
	client      transport.Client
	store       *store.Store
	transcoder  *transcode.Transcoder
	governor    *governor.Governor
	transcriber oracle.Transcriber
	summarizer  oracle.Summarizer
	downloadDir string

	debounce time.Duration
	maxBatch int

	mu      sync.Mutex
	buffers map[int64]*userBuffer
}

// New constructs an Aggregator. debounce and maxBatch fall back to
// DefaultDebounce/DefaultMaxBatch when zero.
func New(client transport.Client, st *store.Store, transcoder *transcode.Transcoder, gov *governor.Governor, transcriber oracle.Transcriber, summarizer oracle.Summarizer, downloadDir string, debounce time.Duration, maxBatch int) *Aggregator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Aggregator{
		client:      client,
		store:       st,
		transcoder:  transcoder,
		governor:    gov,
		transcriber: transcriber,
		summarizer:  summarizer,
		downloadDir: downloadDir,
		debounce:    debounce,
		maxBatch:    maxBatch,
		buffers:     make(map[int64]*userBuffer),
	}
}

// Add enqueues msg into its user's buffer, resetting the debounce timer
// or flushing immediately if the buffer has reached capacity.
func (a *Aggregator) Add(msg Message) {
	a.mu.Lock()

	buf, ok := a.buffers[msg.UserID]
	if !ok {
		buf = &userBuffer{}
		a.buffers[msg.UserID] = buf
	}
	buf.messages = append(buf.messages, msg)

	if buf.timer != nil {
		buf.timer.Stop()
	}

	if len(buf.messages) >= a.maxBatch {
		batch := buf.messages
		delete(a.buffers, msg.UserID)
		a.mu.Unlock()
		go a.flush(context.Background(), msg.UserID, batch)
		return
	}

	userID := msg.UserID
	buf.timer = time.AfterFunc(a.debounce, func() { a.onTimer(userID) })
	a.mu.Unlock()
}

func (a *Aggregator) onTimer(userID int64) {
	a.mu.Lock()
	buf, ok := a.buffers[userID]
	if !ok || len(buf.messages) == 0 {
		a.mu.Unlock()
		return
	}
	batch := buf.messages
	delete(a.buffers, userID)
	a.mu.Unlock()

	a.flush(context.Background(), userID, batch)
}

// flush runs the full pipeline on flush (spec.md §4.I steps 1-7).
func (a *Aggregator) flush(ctx context.Context, userID int64, messages []Message) {
	sort.Slice(messages, func(i, j int) bool { return messages[i].MessageID < messages[j].MessageID })

	downloaded := a.downloadAll(ctx, messages)
	wavs := a.convertAll(ctx, downloaded)
	texts := a.transcribeAll(ctx, wavs)

	var sections []string
	for i, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("Сообщение %d\n%s", i+1, text))
		if err := a.store.SaveTranscription(messages[i].SourceUniqueID, userID, text); err != nil {
			slog.Warn("voicebatch: failed to persist transcription", "source_unique_id", messages[i].SourceUniqueID, "error", err)
		}
	}

	first := messages[0]

	if len(sections) == 0 {
		if _, err := a.client.SendText(ctx, first.ChatID, "Не удалось распознать речь ни в одном из сообщений.", false, int(first.MessageID)); err != nil {
			slog.Warn("voicebatch: failed to deliver empty-batch notice", "error", err)
		}
		return
	}

	a.deliver(ctx, first.ChatID, int(first.MessageID), strings.Join(sections, "\n\n"), summaryPayload(messages, texts))
}

// downloadAll fetches every payload sequentially (spec.md §4.I step 1:
// "not worth parallelizing" for small files). A download failure leaves
// that slot empty rather than aborting the whole batch.
func (a *Aggregator) downloadAll(ctx context.Context, messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		path := filepath.Join(a.downloadDir, fmt.Sprintf("%s_%d%s", uuid.NewString(), m.MessageID, extFor(m.Kind)))
		if err := a.client.DownloadFile(ctx, m.TransportID, path); err != nil {
			slog.Warn("voicebatch: download failed", "message_id", m.MessageID, "error", err)
			continue
		}
		out[i] = path
	}
	return out
}

// convertAll converts each downloaded payload to the STT-ready WAV
// format, under the conversion governor class (spec.md §4.I step 2).
func (a *Aggregator) convertAll(ctx context.Context, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if p == "" {
			continue
		}
		release, err := a.governor.Acquire(ctx, governor.Conversion)
		if err != nil {
			slog.Warn("voicebatch: conversion slot unavailable", "error", err)
			os.Remove(p)
			continue
		}
		wav, werr := a.transcoder.ToWhisperWAV(ctx, p)
		release()
		os.Remove(p)
		if werr != nil {
			slog.Warn("voicebatch: conversion failed", "path", p, "error", werr)
			continue
		}
		out[i] = wav
	}
	return out
}

// transcribeAll runs a fixed worker pool (size min(n, 16)) against the
// STT oracle, writing each result to its original index so ordering
// reflects message id, not completion order (spec.md §4.I "Ordering").
func (a *Aggregator) transcribeAll(ctx context.Context, wavs []string) []string {
	texts := make([]string, len(wavs))

	workers := len(wavs)
	if workers > 16 {
		workers = 16
	}
	if workers == 0 {
		return texts
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, wav := range wavs {
		if wav == "" {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, wav string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer os.Remove(wav)

			release, err := a.governor.Acquire(ctx, governor.Transcription)
			if err != nil {
				slog.Warn("voicebatch: transcription slot unavailable", "error", err)
				return
			}
			defer release()

			text, terr := a.transcriber.Transcribe(ctx, wav)
			if terr != nil {
				if !errors.Is(terr, oracle.ErrNotRecognized) {
					slog.Warn("voicebatch: transcription failed", "path", wav, "error", terr)
				}
				return
			}
			texts[i] = text
		}(i, wav)
	}

	wg.Wait()
	return texts
}

// deliver publishes the combined transcript, splitting on word
// boundaries if it exceeds the transport ceiling, retrying each chunk
// with exponential backoff, and falling back to unformatted plain text
// on exhausted retries (spec.md §4.I step 6). The summary button is
// attached to the final chunk only.
func (a *Aggregator) deliver(ctx context.Context, chatID int64, replyTo int, combined, payload string) {
	label := fmt.Sprintf("<b>Расшифровка</b>\n%s", combined)
	chunks := splitOnWordBoundary(label, maxMessageLength)

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		reply := 0
		if i == 0 {
			reply = replyTo
		}

		var err error
		for attempt := 0; attempt <= sendMaxRetries; attempt++ {
			if last {
				_, err = a.client.SendTextWithButton(ctx, chatID, chunk, true, reply, "саммари", payload)
			} else {
				_, err = a.client.SendText(ctx, chatID, chunk, true, reply)
			}
			if err == nil || attempt == sendMaxRetries {
				break
			}
			time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
		if err != nil {
			plain := stripHTML(chunk)
			if last {
				_, err = a.client.SendTextWithButton(ctx, chatID, plain, false, reply, "саммари", payload)
			} else {
				_, err = a.client.SendText(ctx, chatID, plain, false, reply)
			}
			if err != nil {
				slog.Error("voicebatch: failed to deliver transcript chunk", "chat_id", chatID, "error", err)
			}
		}
	}
}

// Summarize reads every transcript referenced by payload (a single
// source unique id, or a comma-joined list) and dispatches them to the
// summary oracle (spec.md §4.I step 7).
func (a *Aggregator) Summarize(ctx context.Context, payload string) (string, error) {
	ids := strings.Split(payload, ",")
	var texts []string
	for _, id := range ids {
		text, err := a.store.GetTranscription(strings.TrimSpace(id))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("voicebatch: transcription lookup failed", "source_unique_id", id, "error", err)
			}
			continue
		}
		texts = append(texts, text)
	}
	if len(texts) == 0 {
		return "", fmt.Errorf("voicebatch: no transcripts found for %q", payload)
	}
	return a.summarizer.Summarize(ctx, strings.Join(texts, "\n\n"))
}

func summaryPayload(messages []Message, texts []string) string {
	var ids []string
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		ids = append(ids, messages[i].SourceUniqueID)
	}
	return strings.Join(ids, ",")
}

func extFor(kind string) string {
	if kind == "video_note" {
		return ".mp4"
	}
	return ".ogg"
}

// splitOnWordBoundary breaks text into chunks no longer than limit,
// never splitting inside a word.
func splitOnWordBoundary(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	words := strings.Fields(text)
	var chunks []string
	var current strings.Builder

	for _, w := range words {
		extra := len(w)
		if current.Len() > 0 {
			extra++ // separating space
		}
		if current.Len()+extra > limit {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func stripHTML(s string) string {
	r := strings.NewReplacer("<b>", "", "</b>", "", "<i>", "", "</i>", "")
	return r.Replace(s)
}
