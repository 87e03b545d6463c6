package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/daemon"
	"github.com/kestrelhq/kestrel/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kestrel daemon",
	Long: `Start the kestrel daemon in the foreground. The daemon restores its
state snapshot, re-enqueues recent queued tasks and begins dispatching.
It stops on SIGINT or SIGTERM and reloads configuration on SIGHUP.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		Console:    cfg.Logging.Console,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		MaxSizeMB:  cfg.Logging.MaxSize,
		MaxAgeDays: cfg.Logging.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, loader.GetConfigPath(), log)
	if err != nil {
		return err
	}
	return d.Run()
}
