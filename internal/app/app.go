// Package app assembles every component into a running service: the
// request pipeline, the voice-batch aggregator, the lifecycle sweeper,
// and (optionally) the REST façade. This is the top-level wiring the
// teacher's main.go did inline for a single radio.Server; here it is
// split out because the new domain has several independent background
// loops instead of one.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arung-agamani/mediabot/config"
	"github.com/arung-agamani/mediabot/internal/dispatcher"
	"github.com/arung-agamani/mediabot/internal/extractor"
	"github.com/arung-agamani/mediabot/internal/governor"
	"github.com/arung-agamani/mediabot/internal/inflight"
	"github.com/arung-agamani/mediabot/internal/oracle"
	"github.com/arung-agamani/mediabot/internal/pipeline"
	"github.com/arung-agamani/mediabot/internal/restapi"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/sweeper"
	"github.com/arung-agamani/mediabot/internal/telegram"
	"github.com/arung-agamani/mediabot/internal/transcode"
	"github.com/arung-agamani/mediabot/internal/uploader"
	"github.com/arung-agamani/mediabot/internal/voicebatch"
)

// App owns every long-lived component and their background loops.
type App struct {
	Config     *config.Config
	Store      *store.Store
	Pipeline   *pipeline.Engine
	VoiceBatch *voicebatch.Aggregator
	Sweeper    *sweeper.Sweeper
	Registry   *prometheus.Registry
	REST       *restapi.Server
	Dispatcher *dispatcher.Dispatcher

	transcoder  *transcode.Transcoder
	governor    *governor.Governor
	transcriber oracle.Transcriber
	summarizer  oracle.Summarizer
}

// New wires every component from cfg. The caller is responsible for
// calling Close when the returned App is no longer needed.
func New(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DownloadsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("app: create downloads root: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, fmt.Errorf("app: create sqlite directory: %w", err)
	}

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	gov := governor.New(reg, cfg.DownloadSlots, cfg.ConversionSlots, cfg.OptimizationSlots, cfg.TranscriptionSlots)

	cookies := extractor.NewCookieResolver(cfg.CookieDir)
	fac := extractor.New(
		extractor.NewGeneralAdapter("yt-dlp"),
		extractor.NewPlatformAdapter("yt-dlp"),
		extractor.NewGalleryAdapter("gallery-dl"),
		cookies,
		cfg.DownloadsRoot,
	)

	transcoder := transcode.New("ffmpeg", "ffprobe")
	infl := inflight.New()

	var client = telegram.New(cfg.TelegramBotToken)
	up := uploader.New(client, st)
	up.CleanupAfterUpload = cfg.CleanupAfterUpload

	engine := &pipeline.Engine{
		Store:      st,
		Extractor:  fac,
		Transcoder: transcoder,
		InFlight:   infl,
		Governor:   gov,
		Uploader:   up,
		Client:     client,
	}

	var transcriber oracle.Transcriber
	var summarizer oracle.Summarizer
	if cfg.STTEndpoint != "" {
		proxy := ""
		if cfg.UseProxy {
			proxy = cfg.ProxyURL
		}
		transcriber = oracle.NewSTTClient(cfg.STTEndpoint, cfg.STTToken, proxy)
	}
	if cfg.LLMEndpoint != "" {
		proxy := ""
		if cfg.UseProxy {
			proxy = cfg.ProxyURL
		}
		summarizer = oracle.NewLLMClient(cfg.LLMEndpoint, cfg.LLMToken, cfg.LLMPrompt, proxy)
	}

	vb := voicebatch.New(client, st, transcoder, gov, transcriber, summarizer,
		cfg.DownloadsRoot, cfg.VoiceBatchDebounce, cfg.VoiceBatchMaxSize)

	sw := sweeper.New(st, infl, cfg.DownloadsRoot, sweeper.DefaultConfig())
	engine.Touch = sw.Touch

	disp := dispatcher.New(client, engine, vb)

	a := &App{
		Config:      cfg,
		Store:       st,
		Pipeline:    engine,
		VoiceBatch:  vb,
		Sweeper:     sw,
		Registry:    reg,
		Dispatcher:  disp,
		transcoder:  transcoder,
		governor:    gov,
		transcriber: transcriber,
		summarizer:  summarizer,
	}

	if cfg.EnableRESTAPI {
		a.REST = restapi.New(restapi.Config{
			Addr:              cfg.RESTAddr,
			JWTSecret:         cfg.JWTSecret,
			AdminUsername:     cfg.AdminUsername,
			AdminPassword:     cfg.AdminPassword,
			SessionCookieName: cfg.SessionCookieName,
			SessionTTL:        cfg.SessionTTL,
		}, reg, engine, transcoder, gov, transcriber, summarizer, cfg.DownloadsRoot)
	}

	return a, nil
}

// Run starts every background loop and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Sweeper.Start(ctx)
	}()

	if a.Config.TelegramBotToken != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Dispatcher.Run(ctx)
		}()
	}

	if a.REST != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.REST.Run(ctx); err != nil {
				slog.Error("rest api stopped", "error", err)
			}
		}()
	}

	slog.Info("app started",
		"downloads_root", a.Config.DownloadsRoot,
		"sqlite_path", a.Config.SQLitePath,
		"rest_api_enabled", a.Config.EnableRESTAPI,
	)

	<-ctx.Done()
	wg.Wait()
}

// Close releases the store's underlying database handle.
func (a *App) Close() error {
	return a.Store.Close()
}
