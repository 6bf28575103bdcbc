// Command ingestd runs the biosignal ingestion broker: edge relays publish
// feature and raw EEG samples over WebSocket; the broker buffers, fans out
// over Redis topics, and batches writes into TimescaleDB.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/zanderlabs/ingest/internal/broker"
	"github.com/zanderlabs/ingest/internal/config"
	"github.com/zanderlabs/ingest/internal/monitoring"
)

func main() {
	debug := flag.Bool("debug", false, "force debug logging regardless of LOG_LEVEL")
	flag.Parse()

	// Bootstrap logger for config loading; replaced once LOG_LEVEL is known.
	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration error")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	sup, err := broker.NewSupervisor(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Startup failed")
	}
	sup.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Signal received, shutting down")
	case err := <-sup.ServeErr():
		logger.Error().Err(err).Msg("HTTP server failed, shutting down")
	}

	sup.Shutdown()
}
