package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/querystream/internal/config"
	"github.com/capitalize-ai/querystream/pkg/logger"
)

var (
	cfgFile  string
	logLevel string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "querystream",
	Short:         "Streaming query gateway",
	Long:          `Relays reasoning-backend query streams into persisted dashboard conversations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		// The terminal client owns stdout.
		if cmd == askCmd {
			log, err = logger.NewDevelopment(cfg.LogLevel)
		} else {
			log, err = logger.New(cfg.LogLevel)
		}
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger.SetGlobal(log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (environment variables take precedence)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd, upstreamCmd, askCmd, tokenCmd)
}
