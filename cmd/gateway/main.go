// Command gateway runs modelgate, an OpenAI-compatible LLM gateway.
//
// It reads configuration from environment variables (or config.yaml) and
// serves /v1/chat/completions, /v1/models and the /api/admin routes on the
// configured port.
//
// Quick-start (sqlite store, in-memory cache, no Redis required):
//
//	MASTER_KEY=mk-... SEED_FILE=seed.yaml ./gateway
//
// See internal/config for all available configuration variables.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nulpointcorp/modelgate/internal/app"
	"github.com/nulpointcorp/modelgate/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

// run returns the process exit code. Deferred cleanup, including the final
// request-log flush in App.Close, completes before main exits.
func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", slog.String("error", err.Error()))
		return 1
	}

	// All subsystems share this logger.
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("gateway stopped")
	return 0
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
