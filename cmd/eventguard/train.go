package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hed1ad/eventguard/pkg/io/jsonl"
	"github.com/hed1ad/eventguard/pkg/logging"
)

func newTrainCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "train <events>",
		Short: "Train a model on recorded events and archive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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

			e, err := newEngine(cfg, arch)
			if err != nil {
				return err
			}
			if rejected := e.RecordAll(events); rejected > 0 {
				logging.Warn().Int("rejected", rejected).Msg("invalid events left out of training")
			}
			if _, err := e.Train(cmd.Context()); err != nil {
				return err
			}

			info, err := e.ModelInfo()
			if err != nil {
				return err
			}
			w := jsonl.NewWriter(os.Stdout)
			if err := w.Encode(info.Summary); err != nil {
				return err
			}
			return w.Close()
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "input format (csv, jsonl, pcap); guessed from the extension")
	return cmd
}
