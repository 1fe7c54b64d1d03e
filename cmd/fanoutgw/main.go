// Fanout Gateway - IoT device to MQTT relay
//
// This is the main entry point for the fanout gateway. Devices connect over
// plain TCP; their traffic is published to a pool of MQTT broker connections
// and downlink messages from the brokers are written back to the devices.
// Every component talks over the in-process message bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-fanout/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run loads the configuration, builds the gateway and blocks until ctx is
// cancelled or a component fails.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fanout gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer gw.release()

	if err := gw.healthCheck(ctx); err != nil {
		gw.shutdown()
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal", "gateway", cfg.Gateway.ID)

	if err := gw.wait(ctx); err != nil {
		return err
	}

	log.Info("fanout gateway stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FANOUT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FANOUT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
