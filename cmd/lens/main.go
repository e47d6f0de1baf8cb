// Command lens is an inline interceptor that splices TCP connections
// between two links so their content can be rewritten in flight.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ervanalb/lens/pkg/config"
	"github.com/ervanalb/lens/pkg/core"
	"github.com/ervanalb/lens/pkg/logging"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "lens",
	Short: "lens - inline TCP splicing interceptor",
	Long: `lens sits between two network links, rebuilds the protocol layers of
every frame, and terminates each TCP connection towards both real hosts so
that stream content can be rewritten, including changes in length.

Frames no layer understands are forwarded unchanged.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "",
		"override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(graphCmd)
}

// loadConfig reads the config file (if any), applies LENS_* overrides and
// the log level flag, validates the result and configures logging.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		if err := config.LoadFromFile(configFile, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	core.SetDebugMode(logging.IsDebug())
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
