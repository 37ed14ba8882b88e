// Hivehub is a device hub: devices post notifications and receive commands,
// clients subscribe to both over long polling or WebSocket.
//
// Subcommands:
//
//	hivehub serve     run the hub server
//	hivehub gateway   bridge binary-protocol devices onto a hub
//	hivehub key       issue an access key
//	hivehub migrate   inspect, apply or revert schema migrations
//	hivehub version   print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/hivehub/internal/infrastructure/config"
	"github.com/nerrad567/hivehub/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "hivehub",
		Short: "Device hub for notifications and commands",
		Long: `Hivehub stores device notifications and commands and delivers them to
subscribers over long polling and WebSocket.

The configuration file is taken from --config or HIVEHUB_CONFIG; without
either, built-in defaults and HIVEHUB_* environment variables are used.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	load := func() (*config.Config, error) {
		return loadConfig(configPath)
	}
	root.AddCommand(
		serveCmd(load),
		gatewayCmd(load),
		keyCmd(load),
		migrateCmd(load),
		versionCmd(),
	)
	return root
}

// configLoader loads the configuration selected by the root flags.
type configLoader func() (*config.Config, error)

// loadConfig resolves the config path from the flag or HIVEHUB_CONFIG.
func loadConfig(flagPath string) (*config.Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger replaces the bootstrap logger once configuration is loaded.
func newLogger(cfg *config.Config) *logging.Logger {
	log := logging.New(cfg.Logging, version)
	log.Info("logger initialised", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	return log
}
