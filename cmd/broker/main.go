package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kzhdev/websocket-proxy/broker"
	"github.com/kzhdev/websocket-proxy/config"
	"github.com/kzhdev/websocket-proxy/internal/owner"
	"github.com/kzhdev/websocket-proxy/internal/shmring"
)

func main() {
	configFile := flag.String("config", "", "path to configuration file")
	prefix := flag.String("prefix", "ws_proxy", "segment name prefix shared with attaching clients")
	sBytes := flag.Int("s", 0, "server-to-client ring size in bytes (overrides config, default 16777216)")
	level := flag.String("l", "", "log level: off|critical|error|warning|info|debug|trace (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *sBytes > 0 {
		cfg.Rings.ServerToClientBytes = *sBytes
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	logLevel := logLevelFromString(cfg.Log.Level)
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ownerName := *prefix + "_shm_owner"
	ownerWord, err := owner.Acquire(ownerName)
	if err != nil {
		logger.Error("another broker instance already owns these segments", "owner_segment", ownerName, "error", err)
		os.Exit(1)
	}
	defer ownerWord.Release()

	csName := *prefix + "_client_server"
	scName := *prefix + "_server_client"

	csSeg, err := shmring.CreateSegment(csName, cfg.Rings.SlotSize, ringSlotCount(cfg.Rings.ClientToServerBytes, cfg.Rings.SlotSize))
	if err != nil {
		logger.Error("failed to create client-to-server ring segment", "error", err)
		os.Exit(1)
	}
	defer csSeg.Close()

	scSeg, err := shmring.CreateSegment(scName, cfg.Rings.SlotSize, ringSlotCount(cfg.Rings.ServerToClientBytes, cfg.Rings.SlotSize))
	if err != nil {
		logger.Error("failed to create server-to-client ring segment", "error", err)
		os.Exit(1)
	}
	defer scSeg.Close()

	logger.Info("ring segments created",
		"client_to_server", csName,
		"server_to_client", scName,
		"slot_size", cfg.Rings.SlotSize)

	b := broker.New(cfg, csSeg, scSeg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := b.Run(ctx); err != nil {
		logger.Error("broker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("broker stopped")
}

// ringSlotCount derives a slot count from a target byte budget, always
// leaving room for at least a handful of in-flight frames.
func ringSlotCount(totalBytes, slotSize int) uint64 {
	count := uint64(totalBytes / slotSize)
	if count < 8 {
		count = 8
	}
	return count
}

// logLevelFromString maps the broker's -l level names onto slog's four
// levels, pushing the two finer-grained ends (off, trace) outside slog's
// normal range rather than dropping them.
func logLevelFromString(level string) slog.Level {
	switch level {
	case "off":
		return slog.Level(1000)
	case "critical":
		return slog.LevelError + 4
	case "error":
		return slog.LevelError
	case "warning", "warn":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	case "trace":
		return slog.LevelDebug - 4
	default:
		return slog.LevelInfo
	}
}
