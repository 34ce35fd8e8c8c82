// Package cmd implements the rostersync command tree.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rostersync/rostersync/internal/config"
	"github.com/rostersync/rostersync/pkg/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg    *config.Config
	logger *zerolog.Logger
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "rostersync",
	Short: "Plan roster synchronization into an identity-management target",
	Long: `rostersync matches employee roster batches against a target
identity-management system, resolves cross-record references, and emits a
deterministic plan of create and update operations. It plans; it never
applies.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// Missing .env is fine; explicit config errors are not.
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}

		logger = buildLogger(cfg)
		logging.SetDefault(*logger)
		cmd.SetContext(logging.WithContext(cmd.Context(), logger))
		return nil
	},
}

// Execute runs the command tree with the given context.
func Execute(ctx context.Context, version, commit string) error {
	rootCmd.Version = fmt.Sprintf("%s (%s)", version, commit)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console)")
}

func buildLogger(cfg *config.Config) *zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if cfg.Log.Format == "console" {
		l = logging.NewConsole()
	} else {
		l = logging.NewJSON(nil)
	}
	l = l.Level(level)
	return &l
}
