package restapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arung-agamani/mediabot/internal/canon"
	"github.com/arung-agamani/mediabot/internal/governor"
	"github.com/arung-agamani/mediabot/internal/media"
	"github.com/arung-agamani/mediabot/internal/oracle"
	"github.com/arung-agamani/mediabot/internal/pipeline"
	"github.com/arung-agamani/mediabot/internal/transcode"
)

// mediaHandlers exposes the pipeline's fetch/transcode/transcribe
// capabilities to REST callers that have no chat to deliver into
// (spec.md SUPPLEMENTED FEATURES "/api/download" and "/api/process"),
// mirroring the original_source/api.py download-then-transcribe flow.
type mediaHandlers struct {
	engine      *pipeline.Engine
	transcoder  *transcode.Transcoder
	governor    *governor.Governor
	transcriber oracle.Transcriber
	summarizer  oracle.Summarizer
	downloadDir string
}

func newMediaHandlers(engine *pipeline.Engine, transcoder *transcode.Transcoder, gov *governor.Governor,
	transcriber oracle.Transcriber, summarizer oracle.Summarizer, downloadDir string) *mediaHandlers {
	return &mediaHandlers{
		engine:      engine,
		transcoder:  transcoder,
		governor:    gov,
		transcriber: transcriber,
		summarizer:  summarizer,
		downloadDir: downloadDir,
	}
}

type downloadRequest struct {
	URL string `json:"url"`
}

// download handles POST /api/download: fetch (or reuse the cache for) a
// URL and return file references plus the history entry recorded for the
// caller's session.
func (h *mediaHandlers) download(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "missing url"})
		return
	}

	destDir := filepath.Join(h.downloadDir, "rest", uuid.NewString())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "failed to prepare download directory"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), pipeline.ExtractionTimeout)
	defer cancel()

	result, err := h.engine.FetchForREST(ctx, req.URL, destDir)
	if err != nil {
		h.writeFetchError(c, err)
		return
	}

	entry := h.recordHistory(c, req.URL, result)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": result, "history_entry": entry})
}

// process handles POST /api/process: download, then for audio/video also
// transcribe and summarize, the "full cycle" the original REST surface
// called process_full_cycle.
func (h *mediaHandlers) process(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "missing url"})
		return
	}

	destDir := filepath.Join(h.downloadDir, "rest", uuid.NewString())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "failed to prepare download directory"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), pipeline.ExtractionTimeout)
	defer cancel()

	result, err := h.engine.FetchForREST(ctx, req.URL, destDir)
	if err != nil {
		h.writeFetchError(c, err)
		return
	}

	entry := h.recordHistory(c, req.URL, result)

	resp := gin.H{"status": "ok", "result": result, "history_entry": entry}

	if result.Kind == media.Audio || result.Kind == media.Video {
		if h.transcriber == nil {
			resp["transcript"] = nil
			resp["transcript_error"] = "speech-to-text is not configured"
		} else if len(result.Files) > 0 {
			transcript, terr := h.transcribeFirst(ctx, result.Files[0])
			if terr != nil {
				resp["transcript_error"] = terr.Error()
			} else {
				resp["transcript"] = transcript
				if h.summarizer != nil && transcript != "" {
					if summary, serr := h.summarizer.Summarize(ctx, transcript); serr == nil {
						resp["summary"] = summary
					} else {
						resp["summary_error"] = serr.Error()
					}
				}
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *mediaHandlers) transcribeFirst(ctx context.Context, path string) (string, error) {
	release, err := h.governor.Acquire(ctx, governor.Transcription)
	if err != nil {
		return "", err
	}
	defer release()

	wav, err := h.transcoder.ToWhisperWAV(ctx, path)
	if err != nil {
		return "", err
	}
	transcript, err := h.transcriber.Transcribe(ctx, wav)
	if errors.Is(err, oracle.ErrNotRecognized) {
		return "", nil
	}
	return transcript, err
}

func (h *mediaHandlers) writeFetchError(c *gin.Context, err error) {
	if errors.Is(err, pipeline.ErrUnsupportedHost) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "unsupported url"})
		return
	}
	if errors.Is(err, pipeline.ErrDeferred) {
		c.JSON(http.StatusAccepted, gin.H{"status": "deferred", "error": "request already in flight, try again shortly"})
		return
	}
	slog.Error("rest fetch failed", "error", err)
	c.JSON(http.StatusBadGateway, gin.H{"status": "error", "error": "failed to fetch media"})
}

func (h *mediaHandlers) recordHistory(c *gin.Context, rawURL string, result pipeline.FetchResult) HistoryEntry {
	sd := sessionFromContext(c)
	entry := HistoryEntry{
		ID:            uuid.NewString(),
		URL:           rawURL,
		NormalizedURL: canon.Canonicalize(rawURL),
		MediaType:     result.Kind,
		CacheID:       result.CacheID,
		IsCached:      result.Cached,
		IsCarousel:    result.Kind == media.Carousel,
		CarouselCount: len(result.Files),
		AddedAt:       time.Now(),
	}
	if sd != nil {
		sd.add(entry)
	}
	return entry
}

// history handles GET /api/history.
func (h *mediaHandlers) history(c *gin.Context) {
	sd := sessionFromContext(c)
	if sd == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "history": []HistoryEntry{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "history": sd.list()})
}

// deleteHistoryItem handles DELETE /api/history/:id.
func (h *mediaHandlers) deleteHistoryItem(c *gin.Context) {
	sd := sessionFromContext(c)
	if sd == nil || !sd.remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "history item not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// clearHistory handles DELETE /api/history.
func (h *mediaHandlers) clearHistory(c *gin.Context) {
	if sd := sessionFromContext(c); sd != nil {
		sd.clear()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
