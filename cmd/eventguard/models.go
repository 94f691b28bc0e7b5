package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/eventguard/pkg/archive"
	"github.com/hed1ad/eventguard/pkg/io/jsonl"
	"github.com/hed1ad/eventguard/pkg/logging"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage archived models",
	}
	cmd.AddCommand(newModelsListCmd(), newModelsShowCmd(), newModelsRollbackCmd(), newModelsPruneCmd())
	return cmd
}

// withArchive runs fn against the configured archive.
func withArchive(fn func(*archive.Archive) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	arch, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer arch.Close()
	return fn(arch)
}

func parseVersion(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid model version %q", s)
	}
	return v, nil
}

func newModelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archived models, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(arch *archive.Archive) error {
				summaries, err := arch.List()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tTRAINED\tSAMPLES\tPCA\tVARIANCE\tOUTLIER\tNOVELTY")
				for _, s := range summaries {
					fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.3f\t%s\t%s\n",
						s.Version, s.TrainedAt.Local().Format(time.DateTime), s.TrainingSamples,
						s.PCAComponents, s.ExplainedVariance, s.Outlier.Name, s.Novelty.Name)
				}
				return tw.Flush()
			})
		},
	}
}

func newModelsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [version]",
		Short: "Describe one archived model, the newest by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(arch *archive.Archive) error {
				b, err := arch.Latest()
				if len(args) == 1 {
					v, perr := parseVersion(args[0])
					if perr != nil {
						return perr
					}
					b, err = arch.Load(v)
				}
				if err != nil {
					return err
				}
				w := jsonl.NewWriter(os.Stdout)
				if err := w.Encode(b.Summary()); err != nil {
					return err
				}
				return w.Close()
			})
		},
	}
}

func newModelsRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <version>",
		Short: "Republish an archived model as the newest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseVersion(args[0])
			if err != nil {
				return err
			}
			return withArchive(func(arch *archive.Archive) error {
				b, err := arch.Load(from)
				if err != nil {
					return err
				}
				latest, err := arch.Versions()
				if err != nil {
					return err
				}
				b.Version = latest[len(latest)-1] + 1
				if err := arch.Save(b); err != nil {
					return err
				}
				logging.Info().Uint64("from", from).Uint64("version", b.Version).Msg("model rolled back")
				return nil
			})
		},
	}
}

func newModelsPruneCmd() *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest archived models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(func(arch *archive.Archive) error {
				removed, err := arch.Prune(keep)
				if err != nil {
					return err
				}
				logging.Info().Int("removed", removed).Int("kept", keep).Msg("archive pruned")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 3, "models to keep")
	return cmd
}
