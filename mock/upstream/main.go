// Command upstream runs a lightweight HTTP mock of an OpenAI-compatible
// provider API. It is used for E2E/load testing of the gateway without real
// credentials: point a provider's base_url at it and watch credential
// rotation, quarantine, and streaming behave against controlled failures.
//
// Behaviour flags (via env):
//
//	PORT              — listen port (default 19001)
//	MOCK_VALID_KEYS   — comma-separated API keys accepted as valid; empty
//	                    accepts any key. Unknown keys get HTTP 401, which
//	                    drives the gateway's auth-failure rotation.
//	MOCK_LATENCY_MS   — artificial latency added to authorized chat completion
//	                    and embedding responses (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of authorized chat completion and
//	                    embedding requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in streaming response (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	Port        int
	ValidKeys   map[string]bool // nil accepts any key
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{Port: 19001, StreamWords: 10}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("MOCK_VALID_KEYS"); v != "" {
		c.ValidKeys = make(map[string]bool)
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.ValidKeys[k] = true
			}
		}
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func main() {
	cfg := loadConfig()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: newUpstreamHandler(cfg),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mock upstream listening",
		slog.Int("port", cfg.Port),
		slog.Int("valid_keys", len(cfg.ValidKeys)),
		slog.Float64("error_rate", cfg.ErrorRate),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
