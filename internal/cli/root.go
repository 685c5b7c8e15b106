package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/godep/internal/config"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking GODEP_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("GODEP_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the godep CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "godep",
		Short: "godep — data-dependency task runtime",
		Long:  "godep runs task workloads over dependency-tracked data handles and inspects a running server.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = config.LogConfig{Level: flagLogLevel, Format: flagLogFormat}.Logger()
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "godep server URL (or GODEP_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newBenchCmd(),
		newStatusCmd(),
	)

	return root
}
