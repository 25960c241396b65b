// Package cli implements the command-line interface for kbdump.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kilupskalvis/kbdump/internal/config"
	"github.com/kilupskalvis/kbdump/internal/logging"
	"github.com/kilupskalvis/kbdump/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config   *config.Migration
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

// Close writes the metrics textfile when one was requested
func (c *cmdContext) Close() {
	if metricsFile == "" || c.Registry == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(metricsFile), 0755); err != nil {
		c.Logger.Warn("failed to create metrics directory", "error", err)
		return
	}
	if err := prometheus.WriteToTextfile(metricsFile, c.Registry); err != nil {
		c.Logger.Warn("failed to write metrics", "file", metricsFile, "error", err)
	}
}

// initContext loads the configuration and sets up logging and metrics
func initContext() *cmdContext {
	cfg, err := loadConfig()
	if err != nil {
		exitError("%v", err)
	}

	logger, err := logging.New(os.Stderr, logLevel, logFormat)
	if err != nil {
		exitError("%v", err)
	}
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	return &cmdContext{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
	}
}

func loadConfig() (*config.Migration, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

var (
	configPath  string
	logLevel    string
	logFormat   string
	metricsFile string
)

var rootCmd = &cobra.Command{
	Use:   "kbdump",
	Short: "Dump and replay versioned knowledge bases",
	Long: `kbdump writes the complete change history of a versioned knowledge base
to a portable XML document and replays such documents into another
knowledge base or into SQL tables with one row per object version.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Migration config file (default: .kbdump/migration.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write prometheus metrics to this textfile on exit")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
