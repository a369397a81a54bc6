package extractor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeAdapter struct {
	calls int
	err   error
	write string // filename to write into taskDir on success, if non-empty
}

func (f *fakeAdapter) Extract(ctx context.Context, url, taskDir string, opts ExtractOptions) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.write != "" {
		return os.WriteFile(filepath.Join(taskDir, f.write), make([]byte, minArtifactSize+1), 0o644)
	}
	return os.WriteFile(filepath.Join(taskDir, "out.mp4"), make([]byte, minArtifactSize+1), 0o644)
}

func newFacade(t *testing.T, general, platform, gallery *fakeAdapter) *Facade {
	t.Helper()
	return New(general, platform, gallery, NewCookieResolver(t.TempDir()), t.TempDir())
}

func TestDetectContentLabel(t *testing.T) {
	cases := []struct {
		host, url string
		want      ContentLabel
	}{
		{"soundcloud.com", "https://soundcloud.com/a/b", LabelAudio},
		{"youtube.com", "https://youtube.com/watch?v=x", LabelVideo},
		{"instagram.com", "https://instagram.com/reel/x", LabelVideo},
		{"instagram.com", "https://instagram.com/p/x", LabelPhoto},
		{"tiktok.com", "https://tiktok.com/@u/photo/1", LabelPhoto},
		{"tiktok.com", "https://tiktok.com/@u/video/1", LabelVideo},
	}
	for _, tc := range cases {
		if got := DetectContentLabel(tc.host, tc.url); got != tc.want {
			t.Errorf("DetectContentLabel(%q, %q) = %v, want %v", tc.host, tc.url, got, tc.want)
		}
	}
}

func TestFetchPhotoTriesGalleryFirst(t *testing.T) {
	general := &fakeAdapter{}
	gallery := &fakeAdapter{}
	f := newFacade(t, general, nil, gallery)

	res, err := f.Fetch(context.Background(), "instagram.com", "https://instagram.com/p/x", LabelPhoto)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gallery.calls != 1 || general.calls != 0 {
		t.Errorf("gallery.calls=%d general.calls=%d, want 1/0", gallery.calls, general.calls)
	}
	if len(res.Files) != 1 {
		t.Errorf("len(Files) = %d, want 1", len(res.Files))
	}
}

func TestFetchPhotoFallsBackToGeneralOnGalleryFailure(t *testing.T) {
	general := &fakeAdapter{}
	gallery := &fakeAdapter{err: newError(ErrGeneric, "boom", nil)}
	f := newFacade(t, general, nil, gallery)

	_, err := f.Fetch(context.Background(), "instagram.com", "https://instagram.com/p/x", LabelPhoto)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gallery.calls != 1 || general.calls != 1 {
		t.Errorf("gallery.calls=%d general.calls=%d, want 1/1", gallery.calls, general.calls)
	}
}

func TestFetchLongVideoFallsBackOnBotDetection(t *testing.T) {
	platform := &fakeAdapter{err: newError(ErrBotDetected, "bot check", nil)}
	general := &fakeAdapter{}
	f := newFacade(t, general, platform, nil)

	_, err := f.Fetch(context.Background(), "youtube.com", "https://youtube.com/watch?v=x", LabelVideo)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if platform.calls != 1 || general.calls != 1 {
		t.Errorf("platform.calls=%d general.calls=%d, want 1/1", platform.calls, general.calls)
	}
}

func TestFetchLongVideoDoesNotFallBackOnOtherErrors(t *testing.T) {
	platform := &fakeAdapter{err: newError(ErrNoFormats, "nope", nil)}
	general := &fakeAdapter{}
	f := newFacade(t, general, platform, nil)

	_, err := f.Fetch(context.Background(), "youtube.com", "https://youtube.com/watch?v=x", LabelVideo)
	if err == nil {
		t.Fatal("expected error to propagate without falling back")
	}
	if general.calls != 0 {
		t.Errorf("general.calls = %d, want 0 (no fallback for non-bot-detection errors)", general.calls)
	}
}

// failOnceThenSucceed fails its first call with a fixed error and
// succeeds on every subsequent call, recording the options of the last
// call so tests can observe which retry branch fetchReel actually takes.
type failOnceThenSucceed struct {
	calls    int
	firstErr error
	lastOpts ExtractOptions
}

func (f *failOnceThenSucceed) Extract(ctx context.Context, url, taskDir string, opts ExtractOptions) error {
	f.calls++
	f.lastOpts = opts
	if f.calls == 1 {
		return f.firstErr
	}
	return os.WriteFile(filepath.Join(taskDir, "out.mp4"), make([]byte, minArtifactSize+1), 0o644)
}

func TestFetchReelRetriesWithCredentialsOnAuthAdjacentError(t *testing.T) {
	// "unavailable" is part of spec's auth-adjacent keyword set and must
	// route to the credentialed retry, not the no-formats retry.
	general := &failOnceThenSucceed{firstErr: errors.New("this content isn't unavailable right now")}
	f := New(general, nil, nil, NewCookieResolver(t.TempDir()), t.TempDir())

	_, err := f.Fetch(context.Background(), "instagram.com", "https://instagram.com/reel/x", LabelVideo)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if general.calls != 2 {
		t.Errorf("general.calls = %d, want 2 (no-cookie attempt + credentialed retry)", general.calls)
	}
	if !general.lastOpts.UseCredentials {
		t.Errorf("retry opts = %+v, want UseCredentials", general.lastOpts)
	}
}

func TestFetchReelFallsBackToDefaultsOnOtherErrors(t *testing.T) {
	general := &failOnceThenSucceed{firstErr: newError(ErrNoFormats, "no formats", nil)}
	f := New(general, nil, nil, NewCookieResolver(t.TempDir()), t.TempDir())

	_, err := f.Fetch(context.Background(), "instagram.com", "https://instagram.com/reel/x", LabelVideo)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if general.calls != 2 {
		t.Errorf("general.calls = %d, want 2 (mobile-UA attempt + default retry)", general.calls)
	}
	if general.lastOpts != (ExtractOptions{}) {
		t.Errorf("retry opts = %+v, want default options", general.lastOpts)
	}
}

func TestClassifyRoutesUnavailableToAuthRequired(t *testing.T) {
	if got := Classify("content unavailable in your region"); got != ErrAuthRequired {
		t.Errorf("Classify(unavailable) = %v, want %v", got, ErrAuthRequired)
	}
}

func TestFetchOtherVideoFallsBackToGalleryOnNoFormats(t *testing.T) {
	general := &fakeAdapter{err: newError(ErrNoFormats, "no formats", nil)}
	gallery := &fakeAdapter{}
	f := newFacade(t, general, nil, gallery)

	_, err := f.Fetch(context.Background(), "example.com", "https://example.com/x", LabelVideo)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gallery.calls != 1 {
		t.Errorf("gallery.calls = %d, want 1", gallery.calls)
	}
}

func TestFetchOtherVideoDoesNotFallBackOnUnrelatedError(t *testing.T) {
	general := &fakeAdapter{err: newError(ErrRateLimited, "slow down", nil)}
	gallery := &fakeAdapter{}
	f := newFacade(t, general, nil, gallery)

	_, err := f.Fetch(context.Background(), "example.com", "https://example.com/x", LabelVideo)
	if err == nil {
		t.Fatal("expected error")
	}
	if gallery.calls != 0 {
		t.Errorf("gallery.calls = %d, want 0", gallery.calls)
	}
}

func TestFetchSalvagesPartialFilesOnFailure(t *testing.T) {
	general := &fakeAdapter{}
	f := newFacade(t, general, nil, nil)

	// Simulate a general adapter that writes a large partial file but then
	// reports a timeout mid-download.
	general.err = errors.New("operation timed out")
	f.general = &partialWritingAdapter{fail: general.err}

	res, err := f.Fetch(context.Background(), "example.com", "https://example.com/x", LabelVideo)
	if err != nil {
		t.Fatalf("expected salvage to succeed, got error: %v", err)
	}
	if len(res.Files) != 1 {
		t.Errorf("len(Files) = %d, want 1 salvaged file", len(res.Files))
	}
}

type partialWritingAdapter struct {
	fail error
}

func (p *partialWritingAdapter) Extract(ctx context.Context, url, taskDir string, opts ExtractOptions) error {
	if err := os.WriteFile(filepath.Join(taskDir, "partial.mp4"), make([]byte, minSalvageSize+1), 0o644); err != nil {
		return err
	}
	return p.fail
}

func TestOnlyAudioFiltersCoverImage(t *testing.T) {
	dir := t.TempDir()
	audioPath := filepath.Join(dir, "track.mp3")
	coverPath := filepath.Join(dir, "cover.jpg")

	got := OnlyAudioFiles([]string{audioPath, coverPath})
	if len(got) != 1 || got[0] != audioPath {
		t.Errorf("OnlyAudioFiles = %v, want [%s]", got, audioPath)
	}
	if cover := CoverImage([]string{audioPath, coverPath}); cover != coverPath {
		t.Errorf("CoverImage = %q, want %q", cover, coverPath)
	}
}

func TestCookieResolverReadsFreshEachCall(t *testing.T) {
	dir := t.TempDir()
	r := NewCookieResolver(dir)

	if got := r.Resolve(longVideoCookieKey); got != "" {
		t.Errorf("Resolve before file exists = %q, want empty", got)
	}

	path := filepath.Join(dir, longVideoCookieKey+".txt")
	if err := os.WriteFile(path, []byte("cookie-data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if got := r.Resolve(longVideoCookieKey); got != path {
		t.Errorf("Resolve after file created = %q, want %q", got, path)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := r.Resolve(longVideoCookieKey); got != "" {
		t.Errorf("Resolve after file removed = %q, want empty", got)
	}
}
