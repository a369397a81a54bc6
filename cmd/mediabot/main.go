package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/arung-agamani/mediabot/config"
	"github.com/arung-agamani/mediabot/internal/app"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	slog.Info("starting mediabot service",
		"downloads_root", cfg.DownloadsRoot,
		"sqlite_path", cfg.SQLitePath,
		"rest_api_enabled", cfg.EnableRESTAPI,
	)

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	a.Run(ctx)

	slog.Info("mediabot service stopped")
}
