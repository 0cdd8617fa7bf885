package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nvandessel/simregress/internal/config"
	"github.com/nvandessel/simregress/internal/logging"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

// errRegressionFailed is returned by a run that completed with a failing
// verdict. The report has already been printed, so main only sets the exit code.
var errRegressionFailed = errors.New("regression run failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRegressionFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simregress",
		Short: "Regression harness for simulator output",
		Long: `simregress runs a simulator against a suite of declared cases, compares
every produced artifact line by line with its golden reference, and exits 0
only when every case ran cleanly and every artifact matched.

With no subcommand it behaves like 'simregress run'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON (for agent consumption)")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: info, debug, or trace (default: config logging.level)")

	run := newRunCmd()
	rootCmd.Flags().AddFlagSet(run.Flags())
	rootCmd.RunE = run.RunE

	rootCmd.AddCommand(
		run,
		newListCmd(),
		newHistoryCmd(),
		newBundleCmd(),
		newConfigCmd(),
		newVersionCmd(),
		newMCPServerCmd(),
	)

	return rootCmd
}

// loadConfig loads the user configuration and applies --log-level.
func loadConfig(cmd *cobra.Command) (*config.SimregressConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger returns the stderr logger for cfg.
func newLogger(cmd *cobra.Command, cfg *config.SimregressConfig) *slog.Logger {
	return logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
}
