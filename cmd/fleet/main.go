// SONM fleet keeper — a long-running supervisor maintaining a fleet of
// logical work nodes on the SONM compute marketplace.
//
// Architecture:
//
//	main.go              — entry point: dirs, config, logger, identity, signal handling
//	fleet/supervisor.go  — startup reconciliation, one worker per node, printer, hot reload
//	node/worknode.go     — per-node lifecycle machine: bid → order → deal → task → close
//	market/client.go     — REST client for the marketplace node with retry and normalization
//	pricing/pricing.go   — wei/s ↔ USD/h conversion and markup/ceiling order pricing
//	bid/builder.go       — bid descriptor composition and task template expansion
//	config/config.go     — base + per-task configs, node fan-out, atomic reload snapshot
//	api/server.go        — operator dashboard: JSON snapshot + WebSocket fleet stream
//
// Each node autonomously places a priced bid order, waits for a deal,
// launches its task on the counterparty worker, watches it to completion,
// and closes the deal — blacklisting workers that never delivered any
// useful uptime. The process exits naturally only when every configured
// node has completed its work; SIGINT stops the loops without touching
// marketplace state.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"sonm-fleet/internal/api"
	"sonm-fleet/internal/config"
	"sonm-fleet/internal/fleet"
	"sonm-fleet/internal/market"
)

func main() {
	confFolder := "conf"
	if p := os.Getenv("FLEET_CONFIG_DIR"); p != "" {
		confFolder = p
	}

	for _, dir := range []string{"out", "out/orders", "out/tasks", "out/logs"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("cannot create output dir", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	bootLogger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := config.NewManager(confFolder, bootLogger)
	if err := cfg.Load(); err != nil {
		bootLogger.Error("failed to load config", "folder", confFolder, "error", err)
		os.Exit(1)
	}
	base := cfg.Base()

	logger := newLogger(base.Logging)

	consumer, err := market.LoadIdentity(base.Ethereum.KeyPath, base.Ethereum.Password)
	if err != nil {
		logger.Error("failed to load Ethereum identity", "error", err)
		os.Exit(1)
	}
	logger.Info("identity loaded", "address", consumer.Hex())

	client := market.NewClient(base.NodeAddress, consumer, logger)
	supervisor := fleet.NewSupervisor(client, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor.Bootstrap(ctx)

	if base.Dashboard.Enabled {
		dashboard := api.NewServer(base.Dashboard, supervisor, logger)
		go func() {
			if err := dashboard.Run(ctx); err != nil {
				logger.Error("dashboard failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", base.Dashboard.Port))
	}

	logger.Info("fleet keeper started",
		"node_address", base.NodeAddress,
		"nodes", len(cfg.Tags()),
	)

	supervisor.Run(ctx)
	logger.Info("fleet keeper stopped")
}

// newLogger builds the application logger: stdout plus a rotating file
// under out/logs/.
func newLogger(cfg config.Logging) *slog.Logger {
	rotating := &lumberjack.Logger{
		Filename:   "out/logs/fleet.log",
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     14, // days
	}
	out := io.MultiWriter(os.Stdout, rotating)

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
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
