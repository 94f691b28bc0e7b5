package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hed1ad/eventguard/pkg/aggregate"
	"github.com/hed1ad/eventguard/pkg/archive"
	"github.com/hed1ad/eventguard/pkg/config"
	"github.com/hed1ad/eventguard/pkg/engine"
	"github.com/hed1ad/eventguard/pkg/event"
	eventio "github.com/hed1ad/eventguard/pkg/io"
	"github.com/hed1ad/eventguard/pkg/io/csv"
	"github.com/hed1ad/eventguard/pkg/io/jsonl"
	"github.com/hed1ad/eventguard/pkg/io/pcap"
	"github.com/hed1ad/eventguard/pkg/logging"
	"github.com/hed1ad/eventguard/pkg/pipeline"
)

// openEvents opens path with the reader for format, or guesses the format
// from the extension. "-" reads JSON lines from stdin.
func openEvents(path, format string) (eventio.EventReader, error) {
	if format == "" {
		format = formatOf(path)
	}
	switch format {
	case "csv":
		if path == "-" {
			return csv.NewReader(os.Stdin)
		}
		return csv.Open(path)
	case "jsonl":
		return jsonl.Open(path)
	case "pcap":
		return pcap.Open(path)
	default:
		return nil, fmt.Errorf("unknown input format %q (want csv, jsonl or pcap)", format)
	}
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "csv"
	case ".pcap", ".cap":
		return "pcap"
	default:
		return "jsonl"
	}
}

// readEvents loads every event of path.
func readEvents(path, format string) (events []event.SecurityEvent, skipped int, err error) {
	r, err := openEvents(path, format)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	events, err = r.Read()
	if err != nil {
		return nil, 0, err
	}
	if s, ok := r.(interface{ Skipped() int }); ok {
		skipped = s.Skipped()
	}
	return events, skipped, nil
}

// openArchive opens the configured archive. The caller closes it.
func openArchive(cfg config.Config) (*archive.Archive, error) {
	if cfg.Archive.Path != "" {
		if err := os.MkdirAll(cfg.Archive.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	return archive.Open(cfg.Archive, pipeline.NewCodec())
}

// newEngine builds an engine backed by arch and activates the newest
// archived model, if any.
func newEngine(cfg config.Config, arch *archive.Archive) (*engine.Engine, error) {
	p, err := pipeline.New(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	agg, err := aggregate.New(cfg.Aggregate)
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if arch != nil {
		opts = append(opts, engine.WithArchive(arch))
	}
	e, err := engine.New(cfg.Engine, p, agg, opts...)
	if err != nil {
		return nil, err
	}
	if arch == nil {
		return e, nil
	}
	if _, err := e.Restore(); err != nil && !errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("restore model: %w", err)
	}
	return e, nil
}

// requireModel fails with a hint when no model has been trained yet.
func requireModel(e *engine.Engine) error {
	if e.Store().Active() == nil {
		return errors.New("no trained model in the archive; run 'eventguard train' first")
	}
	return nil
}

func warnSkipped(skipped int, path string) {
	if skipped > 0 {
		logging.Warn().Int("skipped", skipped).Str("input", path).Msg("unreadable records skipped")
	}
}
