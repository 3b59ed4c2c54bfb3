package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"voice-session/internal/app"
	"voice-session/internal/tui"
	"voice-session/pkg/config"
	"voice-session/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "voice-session:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	w, closeLog, err := logWriter(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	logger.Init(cfg.LogLevel, w)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := app.NewDefault(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Str("module", "main").Msg("Failed to release audio devices")
		}
	}()
	client.Start(ctx)

	log.Info().
		Str("module", "main").
		Str("signaling_url", cfg.SignalingURL).
		Bool("headless", cfg.Headless).
		Int("ice_servers", len(cfg.ICEServers())).
		Msg("Starting voice session client")

	if cfg.Headless {
		return client.RunHeadless(ctx, time.Second)
	}
	return tui.Run(ctx, client, cfg.FrameRate)
}

// logWriter picks the log destination. The terminal UI owns stdout, so
// without a log file its logs are discarded.
func logWriter(cfg *config.Config) (io.Writer, func(), error) {
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return f, func() { _ = f.Close() }, nil
	}
	if cfg.Headless {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}, func() {}, nil
	}
	return io.Discard, func() {}, nil
}
