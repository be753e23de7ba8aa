// Command longitudinal consolidates HL7 v2 messages from a warehouse
// database into a best-known longitudinal record per patient visit, stored
// in a downstream mart star schema.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pheme-project/longitudinal/internal/config"
)

var (
	configPath string
	verbosity  int

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "longitudinal",
	Short: "Longitudinal deduplication of HL7 surveillance feeds",
	Long: `Merges the immutable HL7 message stream of a data warehouse into
one best-known record per patient visit in a data mart, deduplicating
dimensions, diagnoses and laboratory results along the way.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger = newLogger(cfg.LogDir, verbosity)
		return nil
	},
}

// newLogger writes structured logs to a rotated file and mirrors them to
// stderr. Each --verbose lowers the level one notch.
func newLogger(logDir string, verbosity int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbosity == 1:
		level = slog.LevelInfo
	case verbosity >= 2:
		level = slog.LevelDebug
	}
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "longitudinal-manager.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 5,
	}
	out := io.MultiWriter(rotated, os.Stderr)
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/pheme.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
