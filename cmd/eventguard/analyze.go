package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"github.com/hed1ad/eventguard/pkg/engine"
	"github.com/hed1ad/eventguard/pkg/event"
	"github.com/hed1ad/eventguard/pkg/io/jsonl"
	"github.com/hed1ad/eventguard/pkg/logging"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		format        string
		onlyAnomalies bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <events>",
		Short: "Score events with the newest archived model",
		Long: `Analyze scores every event of the input and writes one JSON result per line
to stdout. Use - to read JSON lines from stdin.`,
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
			if err := requireModel(e); err != nil {
				return err
			}

			sink := jsonl.NewWriter(os.Stdout)
			svc := &engine.StreamService{Engine: e, Source: src, Sink: sink, OnlyAnomalies: onlyAnomalies}
			if err := svc.Serve(cmd.Context()); err != nil && !errors.Is(err, suture.ErrDoNotRestart) {
				return err
			}
			return sink.Close()
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format (csv, jsonl, pcap); guessed from the extension")
	cmd.Flags().BoolVar(&onlyAnomalies, "only-anomalies", false, "write anomalous results only")
	return cmd
}

func newAnomaliesCmd() *cobra.Command {
	var (
		format string
		level  string
		limit  int
		offset int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "anomalies <events>",
		Short: "List the anomalies found in a set of events, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			q := engine.Query{Limit: limit, Offset: offset}
			if level != "" {
				if q.Level, err = event.ParseThreatLevel(level); err != nil {
					return err
				}
			}

			events, skipped, err := readEvents(args[0], format)
			if err != nil {
				return err
			}
			warnSkipped(skipped, args[0])

			arch, err := openArchive(cfg)
			if err != nil {
				return err
			}
			defer arch.Close()

			if cfg.Engine.ResultSize < len(events) {
				cfg.Engine.ResultSize = len(events)
			}
			e, err := newEngine(cfg, arch)
			if err != nil {
				return err
			}
			if err := requireModel(e); err != nil {
				return err
			}

			_, sum, err := e.AnalyzeBatch(cmd.Context(), events)
			if err != nil {
				return err
			}
			if sum.Rejected > 0 {
				logging.Warn().Int("rejected", sum.Rejected).Msg("events could not be scored")
			}

			results := e.QueryAnomalies(q)
			if asJSON {
				w := jsonl.NewWriter(os.Stdout)
				if err := w.WriteAll(results); err != nil {
					return err
				}
				return w.Close()
			}
			fmt.Printf("%d events scored with model v%d: %d anomalies (%.1f%%), outlier %d, novelty %d\n\n",
				sum.Scored, sum.ModelVersion, sum.Anomalies, 100*sum.AnomalyRate,
				sum.OutlierAnomalies, sum.NoveltyAnomalies)
			return printResults(results)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format (csv, jsonl, pcap); guessed from the extension")
	cmd.Flags().StringVar(&level, "level", "", "only this threat level (low, medium, high, critical)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum results, 0 for all")
	cmd.Flags().IntVar(&offset, "offset", 0, "results to skip")
	cmd.Flags().BoolVar(&asJSON, "json", false, "write JSON lines instead of a table")
	return cmd
}

func printResults(results []event.AnomalyResult) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tSCORE\tLEVEL\tCONFIDENCE\tMODEL\tTOP RECOMMENDATION")
	for _, r := range results {
		rec := ""
		if len(r.Recommendations) > 0 {
			rec = r.Recommendations[0]
		}
		fmt.Fprintf(tw, "%s\t%.3f\t%s\t%.2f\tv%d\t%s\n",
			r.EventID, r.AnomalyScore, r.ThreatLevel, r.Confidence, r.ModelVersion, rec)
	}
	return tw.Flush()
}
