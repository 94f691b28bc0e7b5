package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/eventguard/pkg/io/csv"
	"github.com/hed1ad/eventguard/pkg/io/jsonl"
	"github.com/hed1ad/eventguard/pkg/logging"
	"github.com/hed1ad/eventguard/pkg/synth"
)

func newGenerateCmd() *cobra.Command {
	var (
		n      int
		ratio  float64
		seed   int64
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write synthetic security events",
		Long: `Generate writes labelled synthetic events: business-hours activity from
private addresses, mixed with slow, failing, large transfers at odd hours.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			if n < 1 {
				return fmt.Errorf("--count must be positive, got %d", n)
			}

			var dst io.Writer = os.Stdout
			if output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				dst = f
			}

			ds := synth.Generate(n, ratio, seed)
			var err error
			switch format {
			case "csv":
				w := csv.NewWriter(dst)
				if err = w.WriteEvents(ds.Events); err == nil {
					err = w.Close()
				}
			case "jsonl":
				w := jsonl.NewWriter(dst)
				for _, e := range ds.Events {
					if err = w.WriteEvent(e); err != nil {
						break
					}
				}
				if err == nil {
					err = w.Close()
				}
			default:
				err = fmt.Errorf("unknown output format %q (want csv or jsonl)", format)
			}
			if err != nil {
				return err
			}
			logging.Info().
				Int("events", n).
				Int("anomalies", ds.Anomalies()).
				Str("output", output).
				Msg("synthetic events written")
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 1000, "number of events")
	cmd.Flags().Float64Var(&ratio, "ratio", 0.05, "fraction of anomalous events")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed")
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv, jsonl)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}
