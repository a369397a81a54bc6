// Package pipeline implements the request pipeline (spec component G):
// the thirteen-step orchestration from a raw user-supplied URL through
// canonicalization, cache lookup, single-flight join, extraction,
// transcoding, and upload dispatch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arung-agamani/mediabot/internal/audiotag"
	"github.com/arung-agamani/mediabot/internal/canon"
	"github.com/arung-agamani/mediabot/internal/extractor"
	"github.com/arung-agamani/mediabot/internal/governor"
	"github.com/arung-agamani/mediabot/internal/inflight"
	"github.com/arung-agamani/mediabot/internal/media"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/transcode"
	"github.com/arung-agamani/mediabot/internal/transport"
	"github.com/arung-agamani/mediabot/internal/uploader"
	"github.com/google/uuid"
)

// Path distinguishes the inline query path (10s external deadline) from
// the message path (300s), per spec.md §4.G/§5.
type Path int

const (
	PathMessage Path = iota
	PathInline
)

const (
	// InFlightDeadlineMessage is how long the message path waits on
	// another in-flight request before giving up (spec.md §5).
	InFlightDeadlineMessage = 300 * time.Second
	// InFlightDeadlineInline is the inline path's external deadline.
	InFlightDeadlineInline = 10 * time.Second

	// ExtractionTimeout is the hard ceiling on a single extraction
	// (spec.md §4.G step 7, §5).
	ExtractionTimeout = 600 * time.Second

	// downloadedFileTTL is how long an on-disk reuse row stays valid
	// (spec.md §4.G step 12).
	downloadedFileTTL = 24 * time.Hour

	// hardVideoCeilingBytes is the ceiling compression must meet or the
	// request aborts (spec.md §4.G step 9).
	hardVideoCeilingBytes = transcode.HardTransportCeilingBytes
)

// ErrUnsupportedHost signals step 1's silent skip.
var ErrUnsupportedHost = errors.New("pipeline: unsupported host")

// ErrTransportPayloadTooLarge signals that a video could not be brought
// under the transport's hard size ceiling even after compression
// (spec.md §4.G step 9: "abort this URL if compression still fails to
// meet the ceiling"; spec.md §7: "compression failure aborts the
// request").
var ErrTransportPayloadTooLarge = errors.New("pipeline: video exceeds transport size ceiling after compression")

// ErrDeferred mirrors inflight.ErrDeferred for callers that don't want to
// import the inflight package directly.
var ErrDeferred = inflight.ErrDeferred

// Engine wires together every component the pipeline orchestrates.
type Engine struct {
	Store      *store.Store
	Extractor  *extractor.Facade
	Transcoder *transcode.Transcoder
	InFlight   *inflight.Registry
	Governor   *governor.Governor
	Uploader   *uploader.Uploader

	// Client is used only by FetchForREST to materialize a cached entry's
	// transport ids into local files for the REST façade (spec.md
	// SUPPLEMENTED FEATURES "/api/download"); the chat-delivery path never
	// touches it directly, going through Uploader instead.
	Client transport.Client

	// Touch marks the service as non-idle, resetting the sweeper's idle
	// timer (spec.md §4.J "idle cleanup"). Wired to sweeper.Sweeper.Touch
	// by the engine-wiring layer; left nil in tests that don't care about
	// idle tracking.
	Touch func()
}

func (e *Engine) touch() {
	if e.Touch != nil {
		e.Touch()
	}
}

// Process runs the full pipeline for one URL extracted from a user
// message or inline query. chatID identifies the destination the
// uploader sends to (also used as the cache row's uploader id).
func (e *Engine) Process(ctx context.Context, chatID int64, rawURL string, path Path) (uploader.Outcome, error) {
	e.touch()

	host, ok := canon.Host(rawURL)
	if !ok || !canon.IsSupportedHost(host) {
		return uploader.Outcome{}, ErrUnsupportedHost
	}

	key := canon.Canonicalize(rawURL)

	if outcome, ok, err := e.tryCache(key); err != nil {
		return uploader.Outcome{}, err
	} else if ok {
		return outcome, nil
	}

	joinDeadline := InFlightDeadlineMessage
	if path == PathInline {
		joinDeadline = InFlightDeadlineInline
	}

	if e.InFlight.InFlight(key) {
		joinCtx, cancel := context.WithTimeout(ctx, joinDeadline)
		defer cancel()

		result, err := e.InFlight.Do(joinCtx, key, func() (inflight.Result, error) {
			return e.fetchAndUpload(context.Background(), chatID, host, key, rawURL)
		})
		if err != nil {
			if errors.Is(err, inflight.ErrDeferred) {
				return uploader.Outcome{}, ErrDeferred
			}
			return uploader.Outcome{}, err
		}
		if outcome, ok, cerr := e.tryCache(key); cerr == nil && ok {
			return outcome, nil
		}
		kind, _ := media.ParseKind(result.Kind)
		return uploader.Outcome{TransportIDs: result.TransportIDs, Kind: kind}, nil
	}

	// On-disk reuse check happens inside fetchAndUpload (step 5), which is
	// also what a fresh leader runs.
	joinCtx, cancel := context.WithTimeout(ctx, joinDeadline)
	defer cancel()

	result, err := e.InFlight.Do(joinCtx, key, func() (inflight.Result, error) {
		return e.fetchAndUpload(context.Background(), chatID, host, key, rawURL)
	})
	if err != nil {
		if errors.Is(err, inflight.ErrDeferred) {
			return uploader.Outcome{}, ErrDeferred
		}
		return uploader.Outcome{}, err
	}
	kind, _ := media.ParseKind(result.Kind)
	return uploader.Outcome{TransportIDs: result.TransportIDs, Kind: kind}, nil
}

func (e *Engine) tryCache(key string) (uploader.Outcome, bool, error) {
	ids, kind, err := e.Store.GetCache(key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uploader.Outcome{}, false, nil
		}
		return uploader.Outcome{}, false, fmt.Errorf("pipeline: cache lookup: %w", err)
	}
	cacheID, err := e.Store.CacheIDOf(key)
	if err != nil {
		cacheID = 0
	}
	return e.Uploader.DispatchCached(ids, kind, cacheID), true, nil
}

// fetchAndUpload is the leader's body (spec.md §4.G steps 5-13): on-disk
// reuse check, extraction, transcoding, thumbnailing, upload dispatch,
// and cache persistence. It always runs to completion on a
// background-derived context so a follower's deadline can never cancel
// it (spec.md §4.E "Deadline inversion").
func (e *Engine) fetchAndUpload(ctx context.Context, chatID int64, host, key, rawURL string) (inflight.Result, error) {
	var files []string
	var taskDir string
	var err error

	if reused, ok := e.tryOnDiskReuse(key); ok {
		files = []string{reused}
	} else {
		files, taskDir, err = e.extract(ctx, host, rawURL)
		if err != nil {
			return inflight.Result{}, err
		}
	}

	kind := classify(files)

	probe := transcode.Probe{}
	var thumbnail string

	if kind == media.Video || (kind == media.Carousel && media.KindFromExtension(ext(files[0])) == media.Video) {
		files, probe, thumbnail, err = e.transcodeVideos(ctx, files)
		if err != nil {
			return inflight.Result{}, err
		}
	}

	var sidecar *uploader.SidecarMetadata
	if kind == media.Audio {
		cover := extractor.CoverImage(files)
		audioFiles := extractor.OnlyAudioFiles(files)
		if cover != "" {
			files = audioFiles
		}
		if len(audioFiles) > 0 {
			tag := audiotag.Read(audioFiles[0])
			if cover == "" {
				cover = tag.Cover
			}
			sidecar = &uploader.SidecarMetadata{Title: tag.Title, Performer: tag.Performer, Cover: cover}
		}
	}

	outcome, err := e.Uploader.DispatchFresh(ctx, chatID, key, files, kind, uploader.ProbeInfo{
		Width: probe.Width, Height: probe.Height, DurationSec: int(probe.Duration.Seconds()),
	}, thumbnail, sidecar)
	if err != nil {
		return inflight.Result{}, err
	}

	if taskDir != "" {
		// The uploader evicts delivered files unless the operator disabled
		// that via CleanupAfterUpload; only register a downloaded_files
		// row — and only skip the task-directory cleanup — when the file
		// is actually still there to reuse (spec.md §4.G step 12
		// "optionally ... if on-disk reuse is desired").
		if e.Uploader.LastEvicted {
			go cleanupTaskDir(taskDir)
		} else {
			e.persistDownloadedFile(key, taskDir, files, kind)
		}
	}

	return inflight.Result{TransportIDs: outcome.TransportIDs, Kind: string(outcome.Kind)}, nil
}

func (e *Engine) tryOnDiskReuse(key string) (string, bool) {
	df, err := e.Store.GetDownloadedFile(key)
	if err != nil {
		return "", false
	}
	return df.FilePath, true
}

func (e *Engine) extract(ctx context.Context, host, rawURL string) ([]string, string, error) {
	release, err := e.Governor.Acquire(ctx, governor.Download)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: acquire download slot: %w", err)
	}
	defer release()

	extractCtx, cancel := context.WithTimeout(ctx, ExtractionTimeout)
	defer cancel()

	label := extractor.DetectContentLabel(host, rawURL)
	result, err := e.Extractor.Fetch(extractCtx, host, rawURL, label)
	if err != nil {
		return nil, "", fmt.Errorf("pipeline: extraction: %w", err)
	}
	return result.Files, result.TaskDir, nil
}

// classify implements spec.md §4.G step 8: single file classifies by
// extension; several files are a carousel labeled by the first file's
// extension (the underlying kind is still coerced to Carousel at the
// cache-write boundary via media.CoerceForCount).
func classify(files []string) media.Kind {
	if len(files) == 1 {
		return media.KindFromExtension(ext(files[0]))
	}
	return media.CoerceForCount(media.KindFromExtension(ext(files[0])), len(files))
}

// transcodeVideos implements spec.md §4.G step 9: videos above the
// transport ceiling get optimized, and if optimization alone still
// leaves them oversize, compressed. If compression still can't bring
// the file under the ceiling, the URL is aborted rather than uploaded
// (spec.md §7 "compression failure aborts the request").
func (e *Engine) transcodeVideos(ctx context.Context, files []string) ([]string, transcode.Probe, string, error) {
	out := make([]string, len(files))
	copy(out, files)

	var probe transcode.Probe
	var thumb string

	for i, f := range out {
		if media.KindFromExtension(ext(f)) != media.Video {
			continue
		}
		probe = e.Transcoder.Probe(ctx, f)

		if needs, reason := e.Transcoder.NeedsTransportOptimization(ctx, f); needs {
			slog.Info("optimizing video for transport", "file", f, "reason", reason)
			if release, aerr := e.Governor.Acquire(ctx, governor.Optimization); aerr == nil {
				optimized, oerr := e.Transcoder.Optimize(ctx, f)
				release()
				if oerr != nil {
					slog.Warn("optimization failed, using original file", "file", f, "error", oerr)
				} else {
					if info, serr := os.Stat(optimized); serr == nil && info.Size() > hardVideoCeilingBytes {
						compressed, cerr := e.Transcoder.Compress(ctx, optimized, 49)
						if cerr != nil {
							return nil, transcode.Probe{}, "", fmt.Errorf("pipeline: %w: %v", ErrTransportPayloadTooLarge, cerr)
						}
						if cinfo, serr := os.Stat(compressed); serr == nil && cinfo.Size() > hardVideoCeilingBytes {
							return nil, transcode.Probe{}, "", fmt.Errorf("pipeline: %w: compressed file is %d bytes", ErrTransportPayloadTooLarge, cinfo.Size())
						}
						out[i] = compressed
					} else {
						out[i] = optimized
					}
				}
			}
		}

		if t, terr := e.Transcoder.Thumbnail(ctx, out[i], time.Second); terr == nil {
			thumb = t
		} else {
			slog.Debug("thumbnail generation skipped", "file", out[i], "error", terr)
		}
	}

	return out, probe, thumb, nil
}

func (e *Engine) persistDownloadedFile(key, taskDir string, files []string, kind media.Kind) {
	if len(files) != 1 {
		return
	}
	info, err := os.Stat(files[0])
	if err != nil {
		return
	}
	_, err = e.Store.SaveDownloadedFile(store.DownloadedFile{
		URL:       key,
		FilePath:  files[0],
		Size:      info.Size(),
		FileType:  ext(files[0]),
		MediaKind: kind,
		TaskDir:   taskDir,
	}, downloadedFileTTL)
	if err != nil {
		slog.Warn("failed to persist downloaded-file row", "url", key, "error", err)
	}
}

func cleanupTaskDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("failed to clean up task directory", "dir", dir, "error", err)
	}
}

func ext(path string) string {
	return filepath.Ext(path)
}

// FetchResult describes media fetched by a REST caller instead of a chat
// message (spec.md SUPPLEMENTED FEATURES "/api/download" and
// "/api/process"): the same cache/extraction/transcode steps the chat
// pipeline runs, stopping short of the chat upload step.
type FetchResult struct {
	Files   []string
	Kind    media.Kind
	Cached  bool
	CacheID int64
}

// FetchForREST runs steps 1-9 of the pipeline (host check, cache lookup,
// on-disk reuse, extraction, video transcoding) without dispatching
// through the chat uploader. destDir is where a cached entry's transport
// ids get materialized to local files, via e.Client, if a caller wants the
// bytes rather than just file references.
func (e *Engine) FetchForREST(ctx context.Context, rawURL, destDir string) (FetchResult, error) {
	e.touch()

	host, ok := canon.Host(rawURL)
	if !ok || !canon.IsSupportedHost(host) {
		return FetchResult{}, ErrUnsupportedHost
	}
	key := canon.Canonicalize(rawURL)

	if ids, kind, err := e.Store.GetCache(key); err == nil {
		cacheID, _ := e.Store.CacheIDOf(key)
		files := ids
		if e.Client != nil && destDir != "" {
			if local, derr := e.materializeCached(ctx, ids, destDir); derr == nil {
				files = local
			} else {
				slog.Warn("pipeline: failed to materialize cached entry for REST caller", "url", key, "error", derr)
			}
		}
		return FetchResult{Files: files, Kind: kind, Cached: true, CacheID: cacheID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return FetchResult{}, fmt.Errorf("pipeline: cache lookup: %w", err)
	}

	var files []string
	var err error
	if reused, ok := e.tryOnDiskReuse(key); ok {
		files = []string{reused}
	} else {
		files, _, err = e.extract(ctx, host, rawURL)
		if err != nil {
			return FetchResult{}, err
		}
	}

	kind := classify(files)
	if kind == media.Video {
		files, _, _, err = e.transcodeVideos(ctx, files)
		if err != nil {
			return FetchResult{}, err
		}
	}

	return FetchResult{Files: files, Kind: kind}, nil
}

func (e *Engine) materializeCached(ctx context.Context, transportIDs []string, destDir string) ([]string, error) {
	out := make([]string, 0, len(transportIDs))
	for _, id := range transportIDs {
		dest := filepath.Join(destDir, uuid.NewString())
		if err := e.Client.DownloadFile(ctx, id, dest); err != nil {
			return nil, fmt.Errorf("pipeline: download cached transport id %s: %w", id, err)
		}
		out = append(out, dest)
	}
	return out, nil
}
