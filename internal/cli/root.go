// Package cli implements the retryctl command tree
package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jzx17/goretry/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	color      bool
}

// NewRootCmd builds the retryctl command tree. Flag defaults are read from
// RETRYCTL_* environment variables when set.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "retryctl",
		Short: "Check and exercise retry policy definitions",
		Long: `retryctl loads a YAML retry definition (policy tree and backoff),
validates it and runs a scripted flaky operation against it.

Environment:
  RETRYCTL_CONFIG     default for --config
  RETRYCTL_LOG_LEVEL  default for --log-level

A .env file in the working directory is loaded first.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", envOr("RETRYCTL_CONFIG", "retry.yaml"), "retry definition file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("RETRYCTL_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.color, "color", false, "colorize log output")

	cmd.AddCommand(newValidateCmd(opts), newSimulateCmd(opts))
	return cmd
}

// Execute loads .env and runs the root command
func Execute() error {
	_ = godotenv.Load()
	return NewRootCmd().Execute()
}

func (o *rootOptions) logger(w io.Writer) (*slog.Logger, error) {
	level, err := logging.ParseLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(w, level, o.color), nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
