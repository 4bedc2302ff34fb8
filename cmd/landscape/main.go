package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"landscape/internal/config"
	"landscape/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool
	serverAddr string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "landscape",
	Short: "landscape - digital landscape analytics pipeline",
	Long: `landscape collects search results across organic, news, and video
surfaces, enriches the companies behind them, analyzes their content, and
ranks each company's digital share of the landscape.

Run 'landscape serve' to start the pipeline daemon; the remaining commands
talk to a running daemon over its HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Dev)
		if err != nil {
			return err
		}
		if serverAddr == "" {
			serverAddr = "http://localhost" + cfg.Server.Listen
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "landscape.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "daemon base URL (default from config listen address)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
