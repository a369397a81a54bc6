package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arung-agamani/mediabot/internal/extractor"
	"github.com/arung-agamani/mediabot/internal/governor"
	"github.com/arung-agamani/mediabot/internal/inflight"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/transcode"
	"github.com/arung-agamani/mediabot/internal/transport"
	"github.com/arung-agamani/mediabot/internal/uploader"
)

type writingAdapter struct {
	filename string
	size     int
}

func (w *writingAdapter) Extract(ctx context.Context, url, taskDir string, opts extractor.ExtractOptions) error {
	return os.WriteFile(filepath.Join(taskDir, w.filename), make([]byte, w.size), 0o644)
}

type fakeClient struct{ n int }

func (f *fakeClient) next() transport.SentMessage {
	f.n++
	return transport.SentMessage{MessageID: f.n, TransportID: "tid"}
}
func (f *fakeClient) SendPhoto(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return f.next(), nil
}
func (f *fakeClient) SendVideo(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return f.next(), nil
}
func (f *fakeClient) SendAudio(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return f.next(), nil
}
func (f *fakeClient) SendDocument(ctx context.Context, chatID int64, path string, att transport.Attachment) (transport.SentMessage, error) {
	return f.next(), nil
}
func (f *fakeClient) SendMediaGroup(ctx context.Context, chatID int64, items []transport.MediaGroupItem) ([]transport.SentMessage, error) {
	var out []transport.SentMessage
	for range items {
		out = append(out, f.next())
	}
	return out, nil
}
func (f *fakeClient) DeleteMessage(ctx context.Context, chatID int64, messageID int) error { return nil }
func (f *fakeClient) AnswerInlineQuery(ctx context.Context, queryID string, results []transport.InlineResult) error {
	return nil
}
func (f *fakeClient) DownloadFile(ctx context.Context, transportID, destPath string) error { return nil }
func (f *fakeClient) SendText(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int) (transport.SentMessage, error) {
	return f.next(), nil
}
func (f *fakeClient) SendTextWithButton(ctx context.Context, chatID int64, text string, html bool, replyToMessageID int, buttonLabel, buttonPayload string) (transport.SentMessage, error) {
	return f.next(), nil
}

func newEngine(t *testing.T, general extractor.Adapter) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fac := extractor.New(general, general, general, extractor.NewCookieResolver(t.TempDir()), t.TempDir())
	client := &fakeClient{}
	up := uploader.New(client, st)

	return &Engine{
		Store:      st,
		Extractor:  fac,
		Transcoder: transcode.New("ffmpeg", "ffprobe"),
		InFlight:   inflight.New(),
		Governor:   governor.New(prometheus.NewRegistry(), 10, 8, 4, 8),
		Uploader:   up,
		Client:     client,
	}
}

func TestProcessUnsupportedHostIsSkipped(t *testing.T) {
	e := newEngine(t, &writingAdapter{filename: "x.jpg", size: 20 * 1024})
	_, err := e.Process(context.Background(), 1, "https://example.com/video", PathMessage)
	if err != ErrUnsupportedHost {
		t.Fatalf("err = %v, want ErrUnsupportedHost", err)
	}
}

func TestProcessFreshExtractionUploadsAndCaches(t *testing.T) {
	e := newEngine(t, &writingAdapter{filename: "clip.jpg", size: 20 * 1024})

	outcome, err := e.Process(context.Background(), 1, "https://instagram.com/p/abc", PathMessage)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(outcome.TransportIDs) == 0 {
		t.Fatal("expected at least one transport id")
	}

	ids, _, err := e.Store.GetCache("https://instagram.com/p/abc")
	if err != nil {
		t.Fatalf("GetCache: %v", err)
	}
	if len(ids) != len(outcome.TransportIDs) {
		t.Errorf("cache ids = %v, outcome ids = %v", ids, outcome.TransportIDs)
	}
}

func TestProcessCacheHitSkipsExtraction(t *testing.T) {
	calls := 0
	countingAdapter := extractorFunc(func(ctx context.Context, url, taskDir string, opts extractor.ExtractOptions) error {
		calls++
		return os.WriteFile(filepath.Join(taskDir, "clip.jpg"), make([]byte, 20*1024), 0o644)
	})
	e := newEngine(t, countingAdapter)

	if _, err := e.Process(context.Background(), 1, "https://instagram.com/p/xyz", PathMessage); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls after first Process = %d, want 1", calls)
	}

	if _, err := e.Process(context.Background(), 1, "https://instagram.com/p/xyz", PathMessage); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls after cache-hit Process = %d, want still 1 (no re-extraction)", calls)
	}
}

type extractorFunc func(ctx context.Context, url, taskDir string, opts extractor.ExtractOptions) error

func (f extractorFunc) Extract(ctx context.Context, url, taskDir string, opts extractor.ExtractOptions) error {
	return f(ctx, url, taskDir, opts)
}

func TestFetchForRESTFreshExtractionReturnsFiles(t *testing.T) {
	e := newEngine(t, &writingAdapter{filename: "clip.jpg", size: 20 * 1024})

	result, err := e.FetchForREST(context.Background(), "https://instagram.com/p/fresh", t.TempDir())
	if err != nil {
		t.Fatalf("FetchForREST: %v", err)
	}
	if result.Cached {
		t.Error("expected a fresh extraction to not be marked cached")
	}
	if len(result.Files) == 0 {
		t.Fatal("expected at least one file")
	}
}

func TestFetchForRESTCacheHitReportsCachedEntry(t *testing.T) {
	e := newEngine(t, &writingAdapter{filename: "clip.jpg", size: 20 * 1024})

	if _, err := e.Process(context.Background(), 1, "https://instagram.com/p/cached", PathMessage); err != nil {
		t.Fatalf("Process: %v", err)
	}

	result, err := e.FetchForREST(context.Background(), "https://instagram.com/p/cached", t.TempDir())
	if err != nil {
		t.Fatalf("FetchForREST: %v", err)
	}
	if !result.Cached {
		t.Error("expected FetchForREST to report a cache hit")
	}
	if result.CacheID == 0 {
		t.Error("expected a non-zero cache id")
	}
	if len(result.Files) == 0 {
		t.Error("expected at least one file reference")
	}
}

func TestFetchForRESTUnsupportedHost(t *testing.T) {
	e := newEngine(t, &writingAdapter{filename: "x.jpg", size: 1024})
	_, err := e.FetchForREST(context.Background(), "https://example.com/video", t.TempDir())
	if err != ErrUnsupportedHost {
		t.Fatalf("err = %v, want ErrUnsupportedHost", err)
	}
}
