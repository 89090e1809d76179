// Chat-service session client — maintains a durable, authenticated session
// against the chat backend's gateway and REST surfaces.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts the client, waits for SIGINT/SIGTERM
//	client/client.go      — orchestrator: wires REST manager + shards + event bus + cookie store
//	gateway/shard.go      — socket lifecycle: hello → identify/resume → heartbeat → dispatch → reconnect
//	gateway/scheduler.go  — token-bucket send pacing with a two-class priority queue
//	gateway/inflate.go    — persistent zlib-stream transport decompression
//	gateway/subscriptions — READY guild-subscription planning under the frame byte cap
//	rest/manager.go       — handler registry, bucket discovery, global rate-limit state, caches
//	rest/handler.go       — per-bucket FIFO worker: rate-limit waits, 429/captcha/MFA/5xx retries
//	rest/ratelimit.go     — header parsing, reset math, invalid-request circuit breaker
//	rest/routes.go        — path building with stable rate-limit bucket keys
//	store/cookies.go      — JSON persistence for the session cookie jar
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"discord-session/internal/client"
	"discord-session/internal/config"
	"discord-session/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DSESS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	c, err := client.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create client", "error", err)
		os.Exit(1)
	}

	// Log the informational surface before connecting so nothing is missed.
	raw, cancelRaw := c.Subscribe(types.EventRaw, 256)
	closes, cancelCloses := c.Subscribe(types.EventClose, 16)
	go func() {
		for evt := range raw {
			logger.Debug("gateway event", "shard", evt.ShardID)
		}
	}()
	go func() {
		for evt := range closes {
			logger.Warn("gateway close", "shard", evt.ShardID, "event", evt.Payload)
		}
	}()

	ctx, cancelConnect := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := c.Connect(ctx); err != nil {
		cancelConnect()
		logger.Error("failed to connect", "error", err)
		c.Destroy()
		os.Exit(1)
	}
	cancelConnect()

	logger.Info("session established",
		"shards", cfg.WS.ShardCount,
		"compress", cfg.WS.Compress,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancelRaw()
	cancelCloses()
	c.Destroy()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
