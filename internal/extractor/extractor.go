// Package extractor is the extraction facade (spec component C): strategy
// selection across a general extractor, a platform-specific extractor for
// the long-video host, and a gallery extractor for photo carousels, with
// cookie hot-reload, partial-file salvage on timeout, and post-extraction
// filtering.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arung-agamani/mediabot/internal/media"
)

// ContentLabel is the advisory content-type label inferred from a URL's
// path shape (spec.md §4.C "Content-type inference"). The fallback ladder
// fires on extractor error regardless of the label.
type ContentLabel string

const (
	LabelPhoto ContentLabel = "photo"
	LabelVideo ContentLabel = "video"
	LabelAudio ContentLabel = "audio"
)

// DetectContentLabel classifies url by path shape, mirroring
// original_source/downloader.py's detect_content_type.
func DetectContentLabel(host, url string) ContentLabel {
	switch {
	case strings.Contains(host, "soundcloud.com"):
		return LabelAudio
	case strings.Contains(host, "youtube.com"), strings.Contains(host, "youtu.be"):
		return LabelVideo
	case strings.Contains(host, "instagram.com"):
		switch {
		case strings.Contains(url, "/reel/"), strings.Contains(url, "/tv/"):
			return LabelVideo
		case strings.Contains(url, "/p/"):
			return LabelPhoto
		}
	case strings.Contains(host, "tiktok.com"):
		if strings.Contains(url, "/photo/") {
			return LabelPhoto
		}
		return LabelVideo
	}
	return LabelVideo
}

// Result is what a successful Fetch produces: the files an extraction left
// on disk and the directory they live under.
type Result struct {
	Files   []string
	TaskDir string
}

// Adapter is one of the three extraction strategies. Implementations shell
// out to an external binary; Extract must respect ctx's deadline.
type Adapter interface {
	Extract(ctx context.Context, url string, taskDir string, opts ExtractOptions) error
}

// ExtractOptions carries the per-attempt knobs the ladder varies: which
// cookie file (if any) to pass, whether to use an alternate client
// identity, and the user agent string for mobile-emulation attempts.
type ExtractOptions struct {
	CookieFile    string
	UseCredentials bool
	UserAgent     string
	AltClient     bool
}

const (
	minSalvageSize = 100 * 1024 // 100 KB, spec.md §4.C partial-file salvage
	minArtifactSize = 10 * 1024 // 10 KB, below which a file is treated as empty/broken
)

// Facade owns the three adapters and the process-wide mutex that serializes
// calls into the general adapter (spec.md §4.C "Concurrency discipline").
type Facade struct {
	general  Adapter
	platform Adapter
	gallery  Adapter
	cookies  *CookieResolver
	baseDir  string

	generalMu sync.Mutex
}

// New constructs a Facade. baseDir is the root under which per-request task
// directories are created.
func New(general, platform, gallery Adapter, cookies *CookieResolver, baseDir string) *Facade {
	return &Facade{general: general, platform: platform, gallery: gallery, cookies: cookies, baseDir: baseDir}
}

// withGeneral runs fn while holding the process-wide general-adapter mutex.
// This is a design decision (spec.md §4.C), not a workaround for a known
// library bug: the general extractor's internal progress-state machinery
// is not known to be re-entrant, so every call into it — across every URL
// in flight — is serialized. The other two adapters are not affected and
// may run fully concurrently.
func (f *Facade) withGeneral(fn func() error) error {
	f.generalMu.Lock()
	defer f.generalMu.Unlock()
	return fn()
}

// newTaskDir creates a fresh uuid-keyed directory under baseDir.
func (f *Facade) newTaskDir() (string, error) {
	dir := filepath.Join(f.baseDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("extractor: create task dir: %w", err)
	}
	return dir, nil
}

// Fetch runs the strategy ladder for url (spec.md §4.C "Strategy ladder"),
// given its advisory content label and host family. On success it returns
// the filtered artifact list (spec.md "Post-extraction filtering").
func (f *Facade) Fetch(ctx context.Context, host, url string, label ContentLabel) (Result, error) {
	taskDir, err := f.newTaskDir()
	if err != nil {
		return Result{}, err
	}

	switch {
	case label == LabelAudio:
		err = f.fetchAudio(ctx, url, taskDir)
	case label == LabelPhoto:
		err = f.fetchPhoto(ctx, url, taskDir)
	case label == LabelVideo && isLongVideoHost(host):
		err = f.fetchLongVideo(ctx, url, taskDir)
	case label == LabelVideo && strings.Contains(url, "/reel/"):
		err = f.fetchReel(ctx, url, taskDir)
	default:
		err = f.fetchOtherVideo(ctx, host, url, taskDir)
	}

	if err != nil {
		if CodeOf(err) == ErrTimeout || ctx.Err() != nil {
			if salvaged := salvagePartialFiles(taskDir); len(salvaged) > 0 {
				slog.Info("using partially downloaded files despite extraction timeout",
					"url", url, "count", len(salvaged), "error", err)
				return Result{Files: salvaged, TaskDir: taskDir}, nil
			}
		}
		os.RemoveAll(taskDir)
		return Result{}, err
	}

	files := filterArtifacts(taskDir)
	if len(files) == 0 {
		os.RemoveAll(taskDir)
		return Result{}, newError(ErrGeneric, "no files downloaded", nil)
	}

	if strings.Contains(host, "soundcloud.com") {
		files = OnlyAudioFiles(files)
	}

	return Result{Files: files, TaskDir: taskDir}, nil
}

func isLongVideoHost(host string) bool {
	h := strings.TrimPrefix(strings.ToLower(host), "www.")
	return h == "youtube.com" || h == "youtu.be"
}

// fetchAudio runs the general extractor with default options. No
// audio-extraction post-processing or thumbnail download is requested, so
// the audio arrives in whatever container the host serves.
func (f *Facade) fetchAudio(ctx context.Context, url, taskDir string) error {
	return f.withGeneral(func() error {
		return f.general.Extract(ctx, url, taskDir, ExtractOptions{})
	})
}

// fetchPhoto: gallery extractor first, general extractor on failure
// (spec.md §4.C "photo → gallery extractor first; on failure, general").
func (f *Facade) fetchPhoto(ctx context.Context, url, taskDir string) error {
	if err := f.gallery.Extract(ctx, url, taskDir, ExtractOptions{}); err != nil {
		slog.Warn("gallery extractor failed for photo, falling back to general", "url", url, "error", err)
		return f.withGeneral(func() error {
			return f.general.Extract(ctx, url, taskDir, ExtractOptions{})
		})
	}
	return nil
}

// fetchLongVideo implements the long-video-host ladder: platform-specific
// extractor first; on bot-detection, general extractor with cookies and an
// alternate client; abort on further failure (spec.md §4.C).
func (f *Facade) fetchLongVideo(ctx context.Context, url, taskDir string) error {
	err := f.platform.Extract(ctx, url, taskDir, ExtractOptions{})
	if err == nil {
		return nil
	}
	if CodeOf(err) != ErrBotDetected {
		return err
	}

	slog.Warn("platform extractor bot-detected, retrying with cookies", "url", url, "error", err)
	cookieFile := f.cookies.Resolve(longVideoCookieKey)
	err2 := f.withGeneral(func() error {
		return f.general.Extract(ctx, url, taskDir, ExtractOptions{CookieFile: cookieFile, UseCredentials: true, AltClient: true})
	})
	if err2 != nil {
		return fmt.Errorf("extractor: long-video fallback failed after bot-detection: %w", err2)
	}
	return nil
}

// fetchReel implements the reel-path ladder: no-credentials general
// extraction with a mobile user agent; on auth-adjacent errors retry with
// credentials; on other errors retry general extraction with defaults
// (spec.md §4.C).
func (f *Facade) fetchReel(ctx context.Context, url, taskDir string) error {
	const mobileUA = "Mozilla/5.0 (Linux; Android 10) AppleWebKit/537.36 Mobile"

	err := f.withGeneral(func() error {
		return f.general.Extract(ctx, url, taskDir, ExtractOptions{UserAgent: mobileUA})
	})
	if err == nil {
		return nil
	}

	slog.Warn("reel extraction without cookies failed", "url", url, "error", err)
	if CodeOf(err) == ErrAuthRequired {
		cookieFile := f.cookies.Resolve(socialPhotoCookieKey)
		err2 := f.withGeneral(func() error {
			return f.general.Extract(ctx, url, taskDir, ExtractOptions{CookieFile: cookieFile, UseCredentials: true})
		})
		if err2 != nil {
			return fmt.Errorf("extractor: reel fallback with cookies failed: %w", err2)
		}
		return nil
	}

	err2 := f.withGeneral(func() error {
		return f.general.Extract(ctx, url, taskDir, ExtractOptions{})
	})
	if err2 != nil {
		return fmt.Errorf("extractor: reel default fallback failed: %w", err2)
	}
	return nil
}

// fetchOtherVideo implements the default video ladder: general extractor;
// on "no formats"/"unsupported"/short-video-host mislabel/photo-redirect
// signals, retry with the gallery extractor (spec.md §4.C).
func (f *Facade) fetchOtherVideo(ctx context.Context, host, url, taskDir string) error {
	err := f.withGeneral(func() error {
		return f.general.Extract(ctx, url, taskDir, ExtractOptions{})
	})
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	isShortVideoHost := strings.Contains(host, "tiktok.com")
	shouldTryGallery := code == ErrNoFormats || code == ErrPhotoRedirect || isShortVideoHost

	if !shouldTryGallery {
		return err
	}

	slog.Warn("general extractor failed, retrying with gallery extractor", "url", url, "error", err, "code", code)
	if err2 := f.gallery.Extract(ctx, url, taskDir, ExtractOptions{}); err2 != nil {
		return fmt.Errorf("extractor: gallery fallback failed: %w", err2)
	}
	return nil
}

// salvagePartialFiles scans taskDir for files above the minimum salvage
// size that aren't marked temporary (spec.md §4.C "Partial-file salvage").
func salvagePartialFiles(taskDir string) []string {
	var out []string
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() <= minSalvageSize {
			continue
		}
		out = append(out, filepath.Join(taskDir, name))
	}
	return out
}

// filterArtifacts prunes temporary and near-zero-size files (spec.md §4.C
// "Post-extraction filtering").
func filterArtifacts(taskDir string) []string {
	var out []string
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.Size() <= minArtifactSize {
			continue
		}
		out = append(out, filepath.Join(taskDir, name))
	}
	return out
}

// OnlyAudioFiles keeps only the audio files from a mixed artifact set,
// per spec.md §4.C's rule for the audio host ("only the audio file is
// the primary artifact; cover is used later as thumbnail metadata
// only").
func OnlyAudioFiles(files []string) []string {
	var audio []string
	for _, f := range files {
		if media.KindFromExtension(strings.ToLower(filepath.Ext(f))) == media.Audio {
			audio = append(audio, f)
		}
	}
	if len(audio) == 0 {
		return files
	}
	return audio
}

// CoverImage returns the first non-audio (image) file among files, used as
// thumbnail-metadata for the audio-host upload path. Returns "" if none.
func CoverImage(files []string) string {
	for _, f := range files {
		if media.KindFromExtension(strings.ToLower(filepath.Ext(f))) == media.Photo {
			return f
		}
	}
	return ""
}
