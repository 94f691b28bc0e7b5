package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/detectors/dbscan"
	"github.com/hed1ad/eventguard/pkg/detectors/iforest"
	"github.com/hed1ad/eventguard/pkg/event"
	"github.com/hed1ad/eventguard/pkg/features"
	"github.com/hed1ad/eventguard/pkg/logging"
	"github.com/hed1ad/eventguard/pkg/preprocess"
)

// Config holds the training parameters.
type Config struct {
	// MinEvents is the smallest number of valid events training accepts.
	MinEvents int   `koanf:"min_events"`
	Seed      int64 `koanf:"seed"`

	Trees         int     `koanf:"trees"`
	SampleSize    int     `koanf:"sample_size"`
	Contamination float64 `koanf:"contamination"`
	Workers       int     `koanf:"workers"`

	PCAVariance   float64 `koanf:"pca_variance"`
	PCAComponents int     `koanf:"pca_components"`

	// Eps zero selects the neighbourhood radius from the data.
	Eps                float64 `koanf:"eps"`
	MinSamples         int     `koanf:"min_samples"`
	MinClusterFraction float64 `koanf:"min_cluster_fraction"`
	MaxNoveltySamples  int     `koanf:"max_novelty_samples"`
}

// DefaultConfig returns the default training parameters.
func DefaultConfig() Config {
	return Config{
		MinEvents:          50,
		Seed:               42,
		Trees:              100,
		SampleSize:         256,
		Contamination:      0.1,
		PCAVariance:        preprocess.DefaultVarianceRatio,
		MinSamples:         5,
		MinClusterFraction: 0.05,
		MaxNoveltySamples:  2000,
	}
}

// Validate reports parameters no training run could succeed with.
func (c Config) Validate() error {
	var errs []error
	if c.MinEvents < 2 {
		errs = append(errs, fmt.Errorf("min_events must be at least 2, got %d", c.MinEvents))
	}
	if c.Trees < 1 {
		errs = append(errs, fmt.Errorf("trees must be positive, got %d", c.Trees))
	}
	if c.SampleSize < 2 {
		errs = append(errs, fmt.Errorf("sample_size must be at least 2, got %d", c.SampleSize))
	}
	if c.Contamination < 0 || c.Contamination >= 0.5 {
		errs = append(errs, fmt.Errorf("contamination must be in [0, 0.5), got %g", c.Contamination))
	}
	if c.PCAVariance < 0 || c.PCAVariance > 1 {
		errs = append(errs, fmt.Errorf("pca_variance must be in [0, 1], got %g", c.PCAVariance))
	}
	if c.PCAComponents < 0 {
		errs = append(errs, fmt.Errorf("pca_components must not be negative, got %d", c.PCAComponents))
	}
	if c.Eps < 0 {
		errs = append(errs, fmt.Errorf("eps must not be negative, got %g", c.Eps))
	}
	if c.MinSamples < 2 {
		errs = append(errs, fmt.Errorf("min_samples must be at least 2, got %d", c.MinSamples))
	}
	if c.MinClusterFraction < 0 || c.MinClusterFraction >= 1 {
		errs = append(errs, fmt.Errorf("min_cluster_fraction must be in [0, 1), got %g", c.MinClusterFraction))
	}
	return errors.Join(errs...)
}

// Pipeline fits a Bundle from raw events: encode, scale, project, then fit
// the outlier scorer and the novelty detector on the projected data.
type Pipeline struct {
	cfg        Config
	newOutlier func(samples int) detectors.Detector
	newNovelty func(samples int) detectors.Detector
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOutlier replaces the isolation forest with detectors built by f.
func WithOutlier(f detectors.Factory) Option {
	return func(p *Pipeline) {
		p.newOutlier = func(int) detectors.Detector { return f() }
	}
}

// WithNovelty replaces the DBSCAN detector with detectors built by f.
func WithNovelty(f detectors.Factory) Option {
	return func(p *Pipeline) {
		p.newNovelty = func(int) detectors.Detector { return f() }
	}
}

// WithClock sets the time source used for TrainedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New returns a Pipeline, or an error when cfg is invalid.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	p := &Pipeline{cfg: cfg, now: time.Now}
	p.newOutlier = func(samples int) detectors.Detector {
		opts := []iforest.Option{
			iforest.WithTrees(cfg.Trees),
			iforest.WithSampleSize(min(cfg.SampleSize, samples)),
			iforest.WithContamination(cfg.Contamination),
			iforest.WithSeed(cfg.Seed),
		}
		if cfg.Workers > 0 {
			opts = append(opts, iforest.WithWorkers(cfg.Workers))
		}
		return iforest.New(opts...)
	}
	p.newNovelty = func(int) detectors.Detector {
		return dbscan.New(
			dbscan.WithEps(cfg.Eps),
			dbscan.WithMinSamples(cfg.MinSamples),
			dbscan.WithMinClusterFraction(cfg.MinClusterFraction),
			dbscan.WithMaxSamples(cfg.MaxNoveltySamples),
			dbscan.WithSeed(cfg.Seed),
		)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the training parameters.
func (p *Pipeline) Config() Config { return p.cfg }

// Train fits a new, unpublished Bundle. Invalid events are skipped and
// counted. Fewer than MinEvents valid events yields ErrInsufficientData;
// a failing fit stage yields ErrTraining. Training uses only the events
// passed in, so the same events and seed always produce the same bundle.
func (p *Pipeline) Train(ctx context.Context, events []event.SecurityEvent) (*Bundle, error) {
	log := logging.WithComponent("pipeline")
	start := p.now()

	rows, skipped := features.EncodeAll(events)
	if len(skipped) > 0 {
		log.Warn().Int("skipped", len(skipped)).AnErr("first", skipped[0]).Msg("invalid events left out of training")
	}
	if len(rows) < p.cfg.MinEvents {
		return nil, fmt.Errorf("%w: %d valid events, need %d",
			detectors.ErrInsufficientData, len(rows), p.cfg.MinEvents)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scaler, err := preprocess.FitScaler(rows, preprocess.ScalerConfig{MinSamples: p.cfg.MinEvents})
	if err != nil {
		return nil, stageError("scaler", err)
	}
	scaled, err := scaler.TransformAll(rows)
	if err != nil {
		return nil, stageError("scaler", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pca, err := preprocess.FitPCA(scaled, preprocess.PCAConfig{
		Components:    p.cfg.PCAComponents,
		VarianceRatio: p.cfg.PCAVariance,
	})
	if err != nil {
		return nil, stageError("pca", err)
	}
	projected, err := pca.TransformAll(scaled)
	if err != nil {
		return nil, stageError("pca", err)
	}

	outlier := p.newOutlier(len(projected))
	if err := detectors.FitWithContext(ctx, outlier, projected); err != nil {
		return nil, stageError(outlier.Name(), err)
	}
	novelty := p.newNovelty(len(projected))
	if err := detectors.FitWithContext(ctx, novelty, projected); err != nil {
		return nil, stageError(novelty.Name(), err)
	}

	b := &Bundle{
		EncoderVersion:  features.Version,
		TrainedAt:       p.now().UTC(),
		TrainingSamples: len(rows),
		SkippedEvents:   len(skipped),
		Seed:            p.cfg.Seed,
		Scaler:          scaler,
		PCA:             pca,
		Outlier:         outlier,
		Novelty:         novelty,
	}
	log.Debug().
		Int("samples", len(rows)).
		Int("pca_components", pca.OutputDim()).
		Dur("took", p.now().Sub(start)).
		Msg("bundle trained")
	return b, nil
}

// stageError keeps cancellation and insufficient data recognisable and
// wraps every other fit failure in ErrTraining.
func stageError(stage string, err error) error {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, detectors.ErrInsufficientData):
		return fmt.Errorf("%s: %w", stage, err)
	}
	return fmt.Errorf("%w: %s: %w", detectors.ErrTraining, stage, err)
}
