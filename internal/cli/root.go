package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ppiankov/hitlwatch/internal/alert"
	"github.com/ppiankov/hitlwatch/internal/config"
	"github.com/ppiankov/hitlwatch/internal/integrity"
	"github.com/ppiankov/hitlwatch/internal/observability"
)

var (
	configPath string
	logLevel   string

	// cfg and logger are set by PersistentPreRunE for every subcommand.
	cfg    *config.Config
	logger zerolog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML (default ~/.hitlwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:           "hitlwatch",
	Short:         "Operator console for human-in-the-loop autonomy training",
	Long:          "Receives authorization requests from a simulated autonomous system, lets an operator\napprove or deny them before they time out, and records every safety-relevant event\nin a tamper-evident hash-chained ledger.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded
		logger = observability.InitLogger("hitlwatch", cfg.Log)

		checker := &integrity.Checker{
			TamperLogDir: cfg.Ledger.Dir,
			Alerts:       alert.NewDispatcher(cfg.Alerts, &logger),
			Logger:       &logger,
		}
		if err := checker.Verify(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(78) // EX_CONFIG
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

// exitError carries a specific exit status, e.g. 2 for a broken chain.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
