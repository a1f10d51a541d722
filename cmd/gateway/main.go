// Command gateway is the OpenAi-Balance proxy server.
//
// It reads configuration from environment variables (or a .env file) and the
// persisted settings table, and starts an OpenAI-compatible reverse proxy on
// the configured port.
//
// Quick-start:
//
//	BASE_URL=https://api.openai.com/v1 API_KEYS='["sk-..."]' ALLOWED_TOKENS='["tk-..."]' ./gateway
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

	"github.com/OnlineMo/OpenAi-Balance/internal/app"
	"github.com/OnlineMo/OpenAi-Balance/internal/config"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}

	// Load configuration — exits with a descriptive error when the mapping
	// cannot describe a runnable gateway.
	envVals, err := config.LoadEnv(envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	snap, err := config.Build(envVals, 1)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(snap.LogLevel)
	slog.SetDefault(logger)

	cfgStore := config.NewStore(snap, logger)

	// Initialise and run the application.
	a, err := app.New(ctx, cfgStore, envVals, envFile, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("gateway stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
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
