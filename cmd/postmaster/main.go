package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gotrs-io/gotrs-postmaster/internal/config"
	"github.com/gotrs-io/gotrs-postmaster/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "postmaster",
	Short: "GOTRS postmaster - mailbox ingestion and ticket correlation",
	Long: `GOTRS Postmaster

Fetches mail from the mailboxes configured per queue, decodes it and
files every message as a new ticket or a follow-up article.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configDirFlag  string
	configFileFlag string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configDirFlag, "config", "configs", "Directory holding default.yaml and an optional config.yaml override")
	rootCmd.PersistentFlags().StringVar(&configFileFlag, "config-file", "", "Single configuration file; takes precedence over --config")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("GOTRS Postmaster %s\n", rootCmd.Version)
	},
}

// loadConfig reads and validates the configuration and builds the logger it
// describes.
func loadConfig() (*config.Loader, *zap.Logger, error) {
	var (
		loader *config.Loader
		err    error
	)
	if configFileFlag != "" {
		loader, err = config.LoadFromFile(configFileFlag)
	} else {
		loader, err = config.Load(configDirFlag)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Config()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	loader.SetLogger(log)
	return loader, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
