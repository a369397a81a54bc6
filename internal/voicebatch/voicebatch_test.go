package voicebatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arung-agamani/mediabot/internal/governor"
	"github.com/arung-agamani/mediabot/internal/oracle"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/transcode"
	"github.com/arung-agamani/mediabot/internal/transport"
)

type fakeClient struct {
	mu        sync.Mutex
	sentTexts []string
	buttons   []string
}

func (f *fakeClient) SendPhoto(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return transport.SentMessage{}, nil
}
func (f *fakeClient) SendVideo(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return transport.SentMessage{}, nil
}
func (f *fakeClient) SendAudio(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return transport.SentMessage{}, nil
}
func (f *fakeClient) SendDocument(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return transport.SentMessage{}, nil
}
func (f *fakeClient) SendMediaGroup(ctx context.Context, chatID int64, items []transport.MediaGroupItem) ([]transport.SentMessage, error) {
	return nil, nil
}
func (f *fakeClient) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return nil
}
func (f *fakeClient) AnswerInlineQuery(ctx context.Context, queryID string, results []transport.InlineResult) error {
	return nil
}
func (f *fakeClient) DownloadFile(ctx context.Context, transportID, destPath string) error {
	return os.WriteFile(destPath, make([]byte, 256), 0o644)
}
func (f *fakeClient) SendText(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int) (transport.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return transport.SentMessage{MessageID: len(f.sentTexts)}, nil
}
func (f *fakeClient) SendTextWithButton(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int, buttonLabel, buttonPayload string) (transport.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	f.buttons = append(f.buttons, buttonPayload)
	return transport.SentMessage{MessageID: len(f.sentTexts)}, nil
}

// fakeTranscriber returns a fixed per-call text keyed by the wav path's
// basename, simulating out-of-order completion while the aggregator must
// still publish segments in message-id order.
type fakeTranscriber struct {
	textFor map[string]string
	delay   map[string]time.Duration
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wavPath string) (string, error) {
	base := filepath.Base(wavPath)
	if d, ok := f.delay[base]; ok {
		time.Sleep(d)
	}
	if text, ok := f.textFor[base]; ok {
		return text, nil
	}
	return "", oracle.ErrNotRecognized
}

func newTestAggregator(t *testing.T, client *fakeClient, transcriber oracle.Transcriber, debounce time.Duration) (*Aggregator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	gov := governor.New(prometheus.NewRegistry(), 10, 8, 4, 8)
	tc := transcode.New("ffmpeg", "ffprobe")

	a := New(client, st, tc, gov, transcriber, nil, t.TempDir(), debounce, 0)
	return a, st
}

func TestSplitOnWordBoundaryNeverSplitsAWord(t *testing.T) {
	text := strings.Repeat("word ", 2000)
	chunks := splitOnWordBoundary(text, 100)
	for _, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk length %d exceeds limit", len(c))
		}
	}
	joined := strings.Join(chunks, " ")
	if strings.TrimSpace(joined) != strings.TrimSpace(text) {
		t.Error("splitting lost or corrupted words")
	}
}

func TestSummaryPayloadSkipsEmptyTranscripts(t *testing.T) {
	messages := []Message{{SourceUniqueID: "a"}, {SourceUniqueID: "b"}, {SourceUniqueID: "c"}}
	texts := []string{"hello", "", "world"}
	payload := summaryPayload(messages, texts)
	if payload != "a,c" {
		t.Errorf("summaryPayload = %q, want %q", payload, "a,c")
	}
}

func TestTranscribeAllPreservesMessageOrderDespiteCompletionOrder(t *testing.T) {
	client := &fakeClient{}
	// transcribeAll is driven directly (bypassing download/convert, which
	// need a real ffmpeg binary) to isolate the ordering guarantee: result
	// slot i must hold wavs[i]'s transcript regardless of which goroutine
	// finishes first.
	transcriber := &fakeTranscriber{
		textFor: map[string]string{"c.wav": "third", "a.wav": "first", "b.wav": "second"},
		delay:   map[string]time.Duration{"a.wav": 30 * time.Millisecond, "b.wav": 10 * time.Millisecond},
	}
	a, _ := newTestAggregator(t, client, transcriber, 50*time.Millisecond)

	wavs := []string{"a.wav", "b.wav", "c.wav"}
	texts := a.transcribeAll(context.Background(), wavs)
	want := []string{"first", "second", "third"}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("texts[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestTranscribeAllExcludesNotRecognized(t *testing.T) {
	client := &fakeClient{}
	transcriber := &fakeTranscriber{textFor: map[string]string{"a.wav": "hi"}}
	a, _ := newTestAggregator(t, client, transcriber, 50*time.Millisecond)

	texts := a.transcribeAll(context.Background(), []string{"a.wav", "missing.wav"})
	if texts[0] != "hi" || texts[1] != "" {
		t.Errorf("texts = %v, want [hi, \"\"]", texts)
	}
}

func TestAddFlushesImmediatelyAtCapacity(t *testing.T) {
	client := &fakeClient{}
	transcriber := &fakeTranscriber{textFor: map[string]string{}}
	a, _ := newTestAggregator(t, client, transcriber, time.Hour) // debounce never fires in this test
	a.maxBatch = 2

	a.Add(Message{MessageID: 1, UserID: 9, ChatID: 9, SourceUniqueID: "u1", TransportID: "t1", Kind: "voice"})
	a.Add(Message{MessageID: 2, UserID: 9, ChatID: 9, SourceUniqueID: "u2", TransportID: "t2", Kind: "voice"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		n := len(client.sentTexts)
		client.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.mu.Lock()
	_, stillBuffered := a.buffers[9]
	a.mu.Unlock()
	if stillBuffered {
		t.Error("expected buffer to be cleared after capacity flush")
	}
}

func TestDeliverAttachesButtonOnlyToLastChunk(t *testing.T) {
	client := &fakeClient{}
	a, _ := newTestAggregator(t, client, &fakeTranscriber{}, 50*time.Millisecond)

	long := strings.Repeat("word ", 2000)
	a.deliver(context.Background(), 1, 5, long, "uid1,uid2")

	if len(client.buttons) != 1 {
		t.Fatalf("expected exactly one button attachment, got %d", len(client.buttons))
	}
	if client.buttons[0] != "uid1,uid2" {
		t.Errorf("button payload = %q, want %q", client.buttons[0], "uid1,uid2")
	}
	if len(client.sentTexts) < 2 {
		t.Errorf("expected the long transcript to be split into multiple sends, got %d", len(client.sentTexts))
	}
}
