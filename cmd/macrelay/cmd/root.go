// Package cmd implements the CLI commands for macrelay.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/macrelay/macrelay/internal/config"
	"github.com/macrelay/macrelay/internal/observability"
	"github.com/macrelay/macrelay/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "macrelay",
	Short:   "Stalker portal relay and stream session manager",
	Version: version.Short(),
	Long: `macrelay sits between media players and Stalker middleware portals.
It manages pools of portal credentials, resolves channels to playable
stream links on demand, and delivers them as raw pipes or HLS, with
automatic credential rotation and cross-portal fallback when a stream
cannot be established.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/macrelay, $HOME/.macrelay)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies CLI logging overrides.
// Flags only win when explicitly set, preserving the priority
// flag > env > config file > default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"log-level":  &cfg.Logging.Level,
		"log-format": &cfg.Logging.Format,
	}
	// Visit only reaches flags that were explicitly set.
	rootCmd.PersistentFlags().Visit(func(f *pflag.Flag) {
		if dst, ok := overrides[f.Name]; ok {
			*dst = strings.ToLower(f.Value.String())
		}
	})
	return cfg, nil
}

// initLogging builds the process logger from config and installs it as the
// slog default.
func initLogging(cfg *config.Config) {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
}
