// Command livesyncd runs the row store, the change relay and the admin API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/config"
	"github.com/Chrisleo-16/xtent-sub002/internal/engine"
	"github.com/Chrisleo-16/xtent-sub002/internal/logging"
	"github.com/Chrisleo-16/xtent-sub002/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file")
	dataDir := flag.String("data-dir", "", "Directory for the badger row store")
	addr := flag.String("addr", "", "Address of the admin API")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *dataDir, *addr, *logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ToTelemetryConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up telemetry")
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Engine stopped unexpectedly")
			exitCode = 1
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		exitCode = 1
	}
	cancel()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to flush traces")
	}

	os.Exit(exitCode)
}
