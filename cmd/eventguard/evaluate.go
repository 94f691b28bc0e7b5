package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hed1ad/eventguard/pkg/aggregate"
	"github.com/hed1ad/eventguard/pkg/io/jsonl"
	"github.com/hed1ad/eventguard/pkg/pipeline"
	"github.com/hed1ad/eventguard/pkg/synth"
)

func newEvaluateCmd() *cobra.Command {
	var (
		trainN int
		testN  int
		ratio  float64
		seed   int64
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Measure detection quality on labelled synthetic data",
		Long: `Evaluate trains a throwaway model on one synthetic dataset and reports
accuracy, precision, recall and F1 on a second one drawn with another seed.
Nothing is archived.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := pipeline.New(cfg.Pipeline)
			if err != nil {
				return err
			}
			agg, err := aggregate.New(cfg.Aggregate)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Engine.TrainTimeout)
			defer cancel()
			b, err := p.Train(ctx, synth.Generate(trainN, ratio, seed).Events)
			if err != nil {
				return err
			}

			test := synth.Generate(testN, ratio, seed+1)
			m, err := pipeline.Evaluate(b, agg, test.Events, test.Labels)
			if err != nil {
				return err
			}

			if asJSON {
				w := jsonl.NewWriter(os.Stdout)
				if err := w.Encode(m); err != nil {
					return err
				}
				return w.Close()
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "samples\t%d\n", m.Samples)
			fmt.Fprintf(tw, "anomalies\t%d\n", test.Anomalies())
			fmt.Fprintf(tw, "true positives\t%d\n", m.TruePositives)
			fmt.Fprintf(tw, "false positives\t%d\n", m.FalsePositives)
			fmt.Fprintf(tw, "false negatives\t%d\n", m.FalseNegatives)
			fmt.Fprintf(tw, "accuracy\t%.3f\n", m.Accuracy)
			fmt.Fprintf(tw, "precision\t%.3f\n", m.Precision)
			fmt.Fprintf(tw, "recall\t%.3f\n", m.Recall)
			fmt.Fprintf(tw, "f1\t%.3f\n", m.F1)
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&trainN, "train", 1000, "training events")
	cmd.Flags().IntVar(&testN, "test", 500, "test events")
	cmd.Flags().Float64Var(&ratio, "ratio", 0.1, "fraction of anomalous events in both sets")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	cmd.Flags().BoolVar(&asJSON, "json", false, "write metrics as JSON")
	return cmd
}
