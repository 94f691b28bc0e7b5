package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/eventguard/pkg/engine"
	"github.com/hed1ad/eventguard/pkg/io/jsonl"
	"github.com/hed1ad/eventguard/pkg/logging"
)

func newWatchCmd() *cobra.Command {
	var (
		format        string
		metricsAddr   string
		onlyAnomalies bool
	)
	cmd := &cobra.Command{
		Use:   "watch <events>",
		Short: "Score a live event stream and retrain in the background",
		Long: `Watch scores events as they arrive (use - for JSON lines on stdin), writes
results to stdout and retrains on the configured interval once enough new
events have been seen. Every new model is archived. Runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			src, err := openEvents(args[0], format)
			if err != nil {
				return err
			}
			defer src.Close()

			arch, err := openArchive(cfg)
			if err != nil {
				return err
			}
			defer arch.Close()

			e, err := newEngine(cfg, arch)
			if err != nil {
				return err
			}

			sink := jsonl.NewWriter(os.Stdout)
			defer sink.Close()

			sup := engine.NewSupervisor("eventguard", logging.NewSlogLogger("supervisor"))
			sup.Add(engine.NewRetrainer(e))
			sup.Add(&engine.StreamService{Engine: e, Source: src, Sink: sink, OnlyAnomalies: onlyAnomalies})
			if metricsAddr != "" {
				sup.Add(engine.NewMetricsService(metricsAddr))
			}

			logging.Info().
				Str("input", args[0]).
				Str("metrics", metricsAddr).
				Dur("retrain_interval", cfg.Engine.RetrainInterval).
				Msg("watching events")
			<-sup.ServeBackground(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format (csv, jsonl, pcap); guessed from the extension")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "prometheus listen address, empty to disable")
	cmd.Flags().BoolVar(&onlyAnomalies, "only-anomalies", false, "write anomalous results only")
	return cmd
}
