// Package uploader implements the upload-and-cache-writer component
// (spec component H): single-file and carousel send paths, transport-id
// harvesting, post-upload file eviction, and the idempotent cache write.
package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/arung-agamani/mediabot/internal/media"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/transport"
)

const mediaGroupChunkSize = 10

// SidecarMetadata is audio-specific metadata an extractor sidecar may
// provide (title/performer) for the audio host's attachment rule.
type SidecarMetadata struct {
	Title     string
	Performer string
	Cover     string // path to a cover image, used as thumbnail and as a standalone send
}

// Uploader binds a transport client to the persistence layer.
type Uploader struct {
	client transport.Client
	store  *store.Store

	// CleanupAfterUpload gates post-upload file eviction, mirroring the
	// "cleanup files after upload" environment feature flag (spec.md §6).
	// When false, delivered files are left on disk so the pipeline can
	// register them for on-disk reuse (spec.md §4.G step 5). Defaults to
	// true, matching the unconditional eviction spec.md §4.H describes.
	CleanupAfterUpload bool

	// LastEvicted records, per DispatchFresh call, whether the primary
	// artifact(s) were evicted — the pipeline consults this to decide
	// whether a downloaded_files row still points at a live file.
	LastEvicted bool
}

// New returns an Uploader.
func New(client transport.Client, st *store.Store) *Uploader {
	return &Uploader{client: client, store: st, CleanupAfterUpload: true}
}

// Outcome is what a single dispatch produces: the transport ids written
// to the cache and the kind they were classified under.
type Outcome struct {
	TransportIDs []string
	Kind         media.Kind
	CacheID      int64
}

// DispatchCached handles a cache hit using already-known transport ids
// (spec.md §4.G step 3). It sends nothing to the chat, neither a file nor
// a message by id; it only reports the existing mapping to the caller.
func (u *Uploader) DispatchCached(ids []string, kind media.Kind, cacheID int64) Outcome {
	return Outcome{TransportIDs: ids, Kind: kind, CacheID: cacheID}
}

// DispatchFresh sends newly-downloaded files, classifies and transcodes
// already having been done by the caller (pipeline), harvests transport
// ids, evicts files, and writes the cache row.
func (u *Uploader) DispatchFresh(ctx context.Context, chatID int64, url string, files []string, kind media.Kind, probe ProbeInfo, thumbnail string, sidecar *SidecarMetadata) (Outcome, error) {
	var ids []string
	var err error

	u.LastEvicted = u.CleanupAfterUpload

	switch {
	case len(files) > 1:
		ids, err = u.sendCarousel(ctx, chatID, files, kind)
	default:
		ids, _, err = u.sendSingle(ctx, chatID, files[0], kind, probe, thumbnail, sidecar)
	}
	if err != nil {
		return Outcome{}, err
	}

	cacheID, err := u.store.SaveCache(url, ids, kind, chatID)
	if err != nil {
		slog.Error("cache write failed after successful upload", "url", url, "error", err)
	}

	return Outcome{TransportIDs: ids, Kind: kind, CacheID: cacheID}, nil
}

// ProbeInfo carries the subset of transcode.Probe the uploader attaches
// to video sends.
type ProbeInfo struct {
	Width, Height, DurationSec int
}

func (u *Uploader) sendSingle(ctx context.Context, chatID int64, path string, kind media.Kind, probe ProbeInfo, thumbnail string, sidecar *SidecarMetadata) ([]string, int, error) {
	att := transport.Attachment{ThumbnailPath: thumbnail}

	var sent transport.SentMessage
	var err error

	switch kind {
	case media.Photo:
		sent, err = u.client.SendPhoto(ctx, chatID, path, att)
	case media.Video:
		att.Width, att.Height, att.DurationSec = probe.Width, probe.Height, probe.DurationSec
		sent, err = u.client.SendVideo(ctx, chatID, path, att)
	case media.Audio:
		if sidecar != nil {
			att.Title, att.Performer = sidecar.Title, sidecar.Performer
			att.ThumbnailPath = sidecar.Cover
		}
		sent, err = u.client.SendAudio(ctx, chatID, path, att)
	default:
		sent, err = u.client.SendDocument(ctx, chatID, path, att)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("uploader: send single %s: %w", kind, err)
	}

	u.evict(path)

	ids := []string{sent.TransportID}

	if kind == media.Audio && sidecar != nil && sidecar.Cover != "" {
		// Spec: send the cover as a standalone photo for visual
		// consistency, but never record its id in the cache row.
		if _, err := u.client.SendPhoto(ctx, chatID, sidecar.Cover, transport.Attachment{}); err != nil {
			slog.Warn("cover photo send failed, continuing without it", "error", err)
		}
		u.evict(sidecar.Cover)
	}

	return ids, sent.MessageID, nil
}

func (u *Uploader) sendCarousel(ctx context.Context, chatID int64, files []string, kind media.Kind) ([]string, error) {
	var ids []string

	for start := 0; start < len(files); start += mediaGroupChunkSize {
		end := start + mediaGroupChunkSize
		if end > len(files) {
			end = len(files)
		}
		chunk := files[start:end]

		items := make([]transport.MediaGroupItem, len(chunk))
		for i, f := range chunk {
			items[i] = transport.MediaGroupItem{Path: f, Kind: string(media.KindFromExtension(extOf(f)))}
		}

		sent, err := u.client.SendMediaGroup(ctx, chatID, items)
		if err != nil {
			slog.Warn("media group send failed, falling back to individual sends", "error", err, "chunk_size", len(chunk))
			fallbackIDs, ferr := u.sendIndividually(ctx, chatID, chunk)
			if ferr != nil {
				return nil, fmt.Errorf("uploader: carousel fallback failed: %w", ferr)
			}
			ids = append(ids, fallbackIDs...)
			continue
		}

		for i, s := range sent {
			ids = append(ids, s.TransportID)
			u.evict(chunk[i])
		}
	}

	return ids, nil
}

func (u *Uploader) sendIndividually(ctx context.Context, chatID int64, files []string) ([]string, error) {
	var ids []string
	for _, f := range files {
		k := media.KindFromExtension(extOf(f))
		var sent transport.SentMessage
		var err error
		switch k {
		case media.Photo:
			sent, err = u.client.SendPhoto(ctx, chatID, f, transport.Attachment{})
		case media.Video:
			sent, err = u.client.SendVideo(ctx, chatID, f, transport.Attachment{})
		default:
			sent, err = u.client.SendDocument(ctx, chatID, f, transport.Attachment{})
		}
		if err != nil {
			return ids, fmt.Errorf("uploader: individual send of %s: %w", f, err)
		}
		ids = append(ids, sent.TransportID)
		u.evict(f)
	}
	return ids, nil
}

// evict deletes an on-disk file immediately after its transport id has
// been harvested, per spec.md §4.H "Post-upload file eviction" — the
// caller does not wait for task-directory cleanup. A no-op when
// CleanupAfterUpload is disabled, leaving the file for on-disk reuse.
func (u *Uploader) evict(path string) {
	if !u.CleanupAfterUpload {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to evict uploaded file", "path", path, "error", err)
	}
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}
