// Inventory Management System Calculation Core — maintains near-real-time
// positions, inventory availability, and trading limits for securities
// financing from a stream of trade, position, inventory, and contract
// events.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts core + API, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires feed → dispatcher → engines → store + egress
//	rules/                — versioned inclusion/exclusion rules with market adjustments (TW, JP)
//	position/             — per-(book, security, date) state with the 5-day settlement ladder
//	inventory/            — the six availability categories under rule verdicts
//	limits/               — client and AU limits, synchronous order validation, usage tracking
//	ingress/              — bus consumer + key-sharded dispatcher (ordering, retry, backpressure)
//	egress/               — ordered publisher of change events with partition keys
//	store/                — SQLite repository with versioned optimistic writes
//	refdata/              — reference-data client (securities, books) with cache + rate limiting
//	api/                  — synchronous REST surface and event stream
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"inventory-core/internal/api"
	"inventory-core/internal/config"
	"inventory-core/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("IMS_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	core, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create core", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Port != 0 {
		apiServer = api.NewServer(cfg.API, core, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	if err := core.Start(); err != nil {
		logger.Error("failed to start core", "error", err)
		os.Exit(1)
	}

	logger.Info("calculation core running",
		"shards", cfg.Engine.ShardCount,
		"markets", cfg.Markets.Enabled,
		"api_port", cfg.API.Port,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop api server", "error", err)
		}
	}

	core.Stop()
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
