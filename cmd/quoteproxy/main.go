// Command quoteproxy is the multi-source price aggregation proxy.
//
// It reads configuration from environment variables (or config.yaml) and
// starts the quote HTTP surface on the configured port.
//
// At least one source must be enabled under `sources:` in config.yaml, with
// its ttl, max_concurrent and timeout set; a source named only in
// environment variables is not picked up. The default cache is in-memory,
// so no Redis is required.
//
// See internal/config for all available configuration variables.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marketfeed/quoteproxy/internal/app"
	"github.com/marketfeed/quoteproxy/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := buildLogger(cfg.Logger)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("quoteproxy stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a slog.Logger per cfg.Logger — JSON for production
// shipping, a plain text handler when IsPrettyEnabled is set for local dev.
func buildLogger(cfg config.LoggerConfig) *slog.Logger {
	var l slog.Level
	switch cfg.Level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}

	if cfg.IsPrettyEnabled {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
