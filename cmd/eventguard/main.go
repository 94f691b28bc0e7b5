// Command eventguard trains and runs the security-event anomaly detector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hed1ad/eventguard/pkg/config"
	"github.com/hed1ad/eventguard/pkg/logging"
)

// Set by the build.
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	archivePath string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "eventguard",
		Short: "Anomaly detection for security events",
		Long: `eventguard scores security events (logins, file access, network requests)
with an isolation forest and a density-based novelty detector, and keeps its
trained models in a local archive between runs.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default eventguard.yaml or $"+config.PathEnvVar+")")
	flags.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (json, console)")
	flags.StringVar(&archivePath, "archive", "", "model archive directory (overrides archive.path)")

	root.AddCommand(
		newGenerateCmd(),
		newTrainCmd(),
		newAnalyzeCmd(),
		newAnomaliesCmd(),
		newModelsCmd(),
		newEvaluateCmd(),
		newWatchCmd(),
	)
	return root
}

// loadConfig reads the configuration, applies flag overrides and sets up
// logging.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if archivePath != "" {
		cfg.Archive.Path = archivePath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	cfg.Logging.Output = os.Stderr
	logging.Init(cfg.Logging)
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
