// Package engine is the entry point for scoring security events and
// retraining the models behind the scores.
//
// Scoring never blocks on training: every Analyze call loads the active
// bundle once and uses it to the end, while Train builds a new bundle from
// a snapshot of the history and publishes it with a single pointer swap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hed1ad/eventguard/pkg/aggregate"
	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/event"
	"github.com/hed1ad/eventguard/pkg/features"
	"github.com/hed1ad/eventguard/pkg/logging"
	"github.com/hed1ad/eventguard/pkg/pipeline"
)

// Config holds engine settings.
type Config struct {
	TrainTimeout  time.Duration `koanf:"train_timeout"`
	HistorySize   int           `koanf:"history_size"`
	ResultSize    int           `koanf:"result_size"`
	RetainBundles int           `koanf:"retain_bundles"`

	RetrainInterval time.Duration `koanf:"retrain_interval"`
	MinNewEvents    int           `koanf:"min_new_events"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		TrainTimeout:    5 * time.Minute,
		HistorySize:     100_000,
		ResultSize:      10_000,
		RetainBundles:   pipeline.DefaultRetain,
		RetrainInterval: time.Hour,
		MinNewEvents:    100,
	}
}

// Validate reports unusable settings.
func (c Config) Validate() error {
	var errs []error
	if c.TrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("train_timeout must be positive, got %s", c.TrainTimeout))
	}
	if c.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("history_size must be positive, got %d", c.HistorySize))
	}
	if c.ResultSize < 1 {
		errs = append(errs, fmt.Errorf("result_size must be positive, got %d", c.ResultSize))
	}
	if c.RetainBundles < 1 {
		errs = append(errs, fmt.Errorf("retain_bundles must be positive, got %d", c.RetainBundles))
	}
	if c.RetrainInterval <= 0 {
		errs = append(errs, fmt.Errorf("retrain_interval must be positive, got %s", c.RetrainInterval))
	}
	if c.MinNewEvents < 0 {
		errs = append(errs, fmt.Errorf("min_new_events must not be negative, got %d", c.MinNewEvents))
	}
	return errors.Join(errs...)
}

// Archive persists published bundles.
type Archive interface {
	Save(b *pipeline.Bundle) error
	Latest() (*pipeline.Bundle, error)
}

// Engine scores events against the active model bundle and retrains it
// from the accumulated history.
type Engine struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	agg      *aggregate.Aggregator
	store    *pipeline.Store
	history  History
	results  *resultLog
	archive  Archive
	log      zerolog.Logger

	trainMu      sync.Mutex
	trainedTotal atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistory replaces the in-memory history.
func WithHistory(h History) Option {
	return func(e *Engine) {
		e.history = h
	}
}

// WithArchive saves every published bundle to a.
func WithArchive(a Archive) Option {
	return func(e *Engine) {
		e.archive = a
	}
}

// New returns an Engine with no trained model.
func New(cfg Config, p *pipeline.Pipeline, agg *aggregate.Aggregator, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if p == nil || agg == nil {
		return nil, errors.New("engine: pipeline and aggregator are required")
	}
	e := &Engine{
		cfg:      cfg,
		pipeline: p,
		agg:      agg,
		store:    pipeline.NewStore(cfg.RetainBundles),
		results:  newResultLog(cfg.ResultSize),
		log:      logging.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.history == nil {
		e.history = NewMemoryHistory(cfg.HistorySize)
	}
	return e, nil
}

// Analyze scores one event. Valid events are added to the history even
// when no model is ready yet, so they count towards the first training.
func (e *Engine) Analyze(ctx context.Context, ev event.SecurityEvent) (event.AnomalyResult, error) {
	if err := ctx.Err(); err != nil {
		analysisErrors.WithLabelValues("cancelled").Inc()
		return event.AnomalyResult{}, err
	}
	v, err := features.Encode(ev)
	if err != nil {
		analysisErrors.WithLabelValues("encoding").Inc()
		return event.AnomalyResult{}, err
	}
	e.append(ev)

	b := e.store.Active()
	if b == nil {
		analysisErrors.WithLabelValues("not_ready").Inc()
		return event.AnomalyResult{}, detectors.ErrModelNotReady
	}
	outlier, novelty, err := b.Score(v)
	if err != nil {
		analysisErrors.WithLabelValues("scoring").Inc()
		return event.AnomalyResult{}, fmt.Errorf("analyze with model v%d: %w", b.Version, err)
	}

	res := e.agg.Result(ev.ID, outlier, novelty, b.Version)
	e.results.add(res)
	analysesTotal.WithLabelValues(string(res.ThreatLevel)).Inc()
	if res.IsAnomaly {
		e.log.Info().
			Str("event_id", ev.ID).
			Str("user_id", ev.UserID).
			Str("ip_address", ev.SourceIP).
			Float64("score", res.AnomalyScore).
			Str("threat_level", string(res.ThreatLevel)).
			Uint64("model_version", res.ModelVersion).
			Msg("anomaly detected")
	}
	return res, nil
}

// AnalyzeStream scores events from in and sends results to out until in is
// closed or ctx is done. Events that cannot be encoded are skipped; events
// arriving before the first training yield an unscored result. out is not
// closed.
func (e *Engine) AnalyzeStream(ctx context.Context, in <-chan event.SecurityEvent, out chan<- event.AnomalyResult) error {
	for {
		var ev event.SecurityEvent
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-in:
			if !ok {
				return nil
			}
			ev = next
		}

		res, err := e.Analyze(ctx, ev)
		switch {
		case errors.Is(err, detectors.ErrModelNotReady):
			res = event.Unscored(uuid.NewString(), ev.ID, time.Now().UTC())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			e.log.Warn().Err(err).Str("event_id", ev.ID).Msg("event skipped")
			continue
		}

		select {
		case out <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ListAnomalies returns up to limit recent anomalous results, newest first.
// A limit of zero returns all retained ones.
func (e *Engine) ListAnomalies(limit int) []event.AnomalyResult {
	return e.results.query(Query{Limit: limit})
}

// QueryAnomalies returns recent results filtered by q, newest first.
func (e *Engine) QueryAnomalies(q Query) []event.AnomalyResult {
	return e.results.query(q)
}

// Record adds an event to the training history without scoring it.
func (e *Engine) Record(ev event.SecurityEvent) error {
	if err := features.Validate(ev); err != nil {
		return err
	}
	e.append(ev)
	return nil
}

// RecordAll adds every valid event and returns how many were rejected.
func (e *Engine) RecordAll(events []event.SecurityEvent) (rejected int) {
	for _, ev := range events {
		if e.Record(ev) != nil {
			rejected++
		}
	}
	return rejected
}

func (e *Engine) append(ev event.SecurityEvent) {
	e.history.Append(ev)
	historyEvents.Set(float64(e.history.Len()))
}

// Events returns history events matching q, newest first.
func (e *Engine) Events(q EventQuery) []event.SecurityEvent {
	return e.history.Query(q)
}

// PendingEvents is the number of events recorded since the last
// successful training.
func (e *Engine) PendingEvents() uint64 {
	return e.history.Total() - e.trainedTotal.Load()
}

// TrainOutcome is the result of a background training run.
type TrainOutcome struct {
	Version uint64
	Err     error
}

// Train fits a new bundle on a snapshot of the history and publishes it.
// It is bounded by the configured timeout and returns ErrTrainingTimeout
// when that elapses. On any failure the active bundle stays in place.
// Concurrent calls run one after another.
func (e *Engine) Train(ctx context.Context) (uint64, error) {
	e.trainMu.Lock()
	defer e.trainMu.Unlock()

	events, total := e.history.Snapshot()
	start := time.Now()

	tctx, cancel := context.WithTimeout(ctx, e.cfg.TrainTimeout)
	defer cancel()

	type result struct {
		bundle *pipeline.Bundle
		err    error
	}
	done := make(chan result, 1)
	go func() {
		b, err := e.pipeline.Train(tctx, events)
		done <- result{b, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-tctx.Done():
		r.err = tctx.Err()
	}
	took := time.Since(start)
	trainingDuration.Observe(took.Seconds())

	if r.err != nil {
		return 0, e.trainFailed(ctx, r.err, len(events))
	}

	pub, err := e.store.Publish(r.bundle)
	if err != nil {
		trainingRuns.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("%w: %w", detectors.ErrTraining, err)
	}
	e.trainedTotal.Store(total)
	e.published(pub)
	trainingRuns.WithLabelValues("success").Inc()
	e.log.Info().
		Uint64("version", pub.Version).
		Int("samples", pub.TrainingSamples).
		Int("skipped", pub.SkippedEvents).
		Int("pca_components", pub.PCA.OutputDim()).
		Dur("took", took).
		Msg("model published")
	return pub.Version, nil
}

func (e *Engine) trainFailed(ctx context.Context, err error, events int) error {
	outcome := "failed"
	switch {
	case ctx.Err() != nil:
		outcome = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		err = fmt.Errorf("%w after %s: %w", detectors.ErrTrainingTimeout, e.cfg.TrainTimeout, err)
	case errors.Is(err, detectors.ErrInsufficientData):
		outcome = "insufficient_data"
	}
	trainingRuns.WithLabelValues(outcome).Inc()

	lvl := zerolog.WarnLevel
	if outcome == "insufficient_data" {
		lvl = zerolog.InfoLevel
	}
	e.log.WithLevel(lvl).Err(err).
		Str("outcome", outcome).
		Int("events", events).
		Msg("training did not publish a model")
	return err
}

// TrainAsync runs Train in the background. The channel receives exactly
// one outcome and is then closed.
func (e *Engine) TrainAsync(ctx context.Context) <-chan TrainOutcome {
	out := make(chan TrainOutcome, 1)
	go func() {
		defer close(out)
		v, err := e.Train(ctx)
		out <- TrainOutcome{Version: v, Err: err}
	}()
	return out
}

// Rollback republishes a retained bundle under a new version.
func (e *Engine) Rollback(version uint64) (uint64, error) {
	pub, err := e.store.Rollback(version)
	if err != nil {
		return 0, err
	}
	e.published(pub)
	e.log.Info().Uint64("from", version).Uint64("version", pub.Version).Msg("model rolled back")
	return pub.Version, nil
}

// Restore activates the newest bundle of the archive.
func (e *Engine) Restore() (uint64, error) {
	if e.archive == nil {
		return 0, errors.New("engine: no archive configured")
	}
	b, err := e.archive.Latest()
	if err != nil {
		return 0, err
	}
	if err := e.store.Adopt(b); err != nil {
		return 0, err
	}
	activeModelVersion.Set(float64(b.Version))
	e.log.Info().Uint64("version", b.Version).Time("trained_at", b.TrainedAt).Msg("model restored")
	return b.Version, nil
}

func (e *Engine) published(b *pipeline.Bundle) {
	activeModelVersion.Set(float64(b.Version))
	if e.archive == nil {
		return
	}
	if err := e.archive.Save(b); err != nil {
		e.log.Warn().Err(err).Uint64("version", b.Version).Msg("archiving model failed")
	}
}

// Info describes the active model.
type Info struct {
	pipeline.Summary
	RetainedVersions []uint64 `json:"retained_versions"`
	HistoryEvents    int      `json:"history_events"`
	PendingEvents    uint64   `json:"pending_events"`
}

// ModelInfo describes the active bundle, or returns ErrModelNotReady.
func (e *Engine) ModelInfo() (Info, error) {
	b := e.store.Active()
	if b == nil {
		return Info{}, detectors.ErrModelNotReady
	}
	return Info{
		Summary:          b.Summary(),
		RetainedVersions: e.store.Versions(),
		HistoryEvents:    e.history.Len(),
		PendingEvents:    e.PendingEvents(),
	}, nil
}

// Store exposes the bundle store for inspection.
func (e *Engine) Store() *pipeline.Store { return e.store }

// Aggregator returns the aggregator results are classified with.
func (e *Engine) Aggregator() *aggregate.Aggregator { return e.agg }
