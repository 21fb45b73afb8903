// Package cmd implements the skyrun CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/3leaps/skyrun/internal/config"
	"github.com/3leaps/skyrun/internal/observability"
	"github.com/3leaps/skyrun/internal/version"
)

// SetVersionInfo records build metadata injected via -ldflags.
func SetVersionInfo(ver, commit, buildDate string) {
	version.Set(ver, commit, buildDate)
}

var (
	flagConfigFile string
	flagLogLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "skyrun",
	Short: "Provision cloud instances for runs and attach to them over SSH",
	Long: `skyrun provisions spot or on-demand cloud instances for submitted runs,
reconciles their lifecycle in the background, and forwards run ports to
localhost through managed SSH tunnels.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "Config file path (default ~/.skyrun/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig applies the persistent flags and loads the configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if flagConfigFile != "" {
		if err := os.Setenv("SKYRUN_CONFIG_FILE", flagConfigFile); err != nil {
			return nil, err
		}
	}

	var overrides []map[string]any
	if flagLogLevel != "" {
		overrides = append(overrides, map[string]any{
			"logging": map[string]any{"level": flagLogLevel},
		})
	}

	cfg, err := config.Load(cmd.Context(), overrides...)
	if err != nil {
		return nil, err
	}
	if _, err := observability.Init(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return nil, err
	}
	return cfg, nil
}
