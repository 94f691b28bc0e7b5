package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/eventguard/pkg/aggregate"
	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/detectors/dbscan"
	"github.com/hed1ad/eventguard/pkg/detectors/detectorstest"
	"github.com/hed1ad/eventguard/pkg/detectors/iforest"
	"github.com/hed1ad/eventguard/pkg/event"
	"github.com/hed1ad/eventguard/pkg/features"
	"github.com/hed1ad/eventguard/pkg/synth"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Trees = 50
	return cfg
}

func newPipeline(t *testing.T, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(testConfig(), opts...)
	require.NoError(t, err)
	return p
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mut     func(*Config)
		wantErr bool
	}{
		{name: "defaults", mut: func(*Config) {}},
		{name: "min events", mut: func(c *Config) { c.MinEvents = 1 }, wantErr: true},
		{name: "trees", mut: func(c *Config) { c.Trees = 0 }, wantErr: true},
		{name: "sample size", mut: func(c *Config) { c.SampleSize = 1 }, wantErr: true},
		{name: "contamination", mut: func(c *Config) { c.Contamination = 0.7 }, wantErr: true},
		{name: "pca variance", mut: func(c *Config) { c.PCAVariance = 1.2 }, wantErr: true},
		{name: "eps", mut: func(c *Config) { c.Eps = -1 }, wantErr: true},
		{name: "min samples", mut: func(c *Config) { c.MinSamples = 1 }, wantErr: true},
		{name: "cluster fraction", mut: func(c *Config) { c.MinClusterFraction = 1 }, wantErr: true},
		{name: "fixed eps", mut: func(c *Config) { c.Eps = 0.8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mut(&cfg)
			_, err := New(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTrain(t *testing.T) {
	ds := synth.Generate(400, 0.05, 1)
	b, err := newPipeline(t).Train(t.Context(), ds.Events)
	require.NoError(t, err)

	assert.Zero(t, b.Version, "unpublished bundles have no version")
	assert.Equal(t, features.Version, b.EncoderVersion)
	assert.Equal(t, 400, b.TrainingSamples)
	assert.Equal(t, features.Dimension(), b.Scaler.Dim())
	assert.Equal(t, features.Dimension(), b.PCA.InputDim())
	assert.GreaterOrEqual(t, b.PCA.CumulativeVarianceRatio(), 0.95)
	assert.Equal(t, iforest.Name, b.Outlier.Name())
	assert.Equal(t, dbscan.Name, b.Novelty.Name())
	assert.False(t, b.TrainedAt.IsZero())

	s := b.Summary()
	assert.Equal(t, 400, s.TrainingSamples)
	assert.Equal(t, b.PCA.OutputDim(), s.PCAComponents)
	assert.Equal(t, 256, s.Outlier.Params["sample_size"])
	assert.Contains(t, s.Novelty.Params, "eps")
}

func TestTrainAutoSampleSize(t *testing.T) {
	ds := synth.Generate(80, 0, 2)
	b, err := newPipeline(t).Train(t.Context(), ds.Events)
	require.NoError(t, err)
	assert.Equal(t, 80, b.Outlier.Params()["sample_size"])
}

func TestTrainSkipsInvalidEvents(t *testing.T) {
	events := synth.Generate(100, 0, 3).Events
	events = append(events,
		event.SecurityEvent{SourceIP: "10.0.0.1", EventType: "login"},
		event.SecurityEvent{UserID: "u", SourceIP: "nope", EventType: "login"},
		event.SecurityEvent{UserID: "u", SourceIP: "10.0.0.1", EventType: "login", HourOfDay: 40},
	)
	b, err := newPipeline(t).Train(t.Context(), events)
	require.NoError(t, err)
	assert.Equal(t, 100, b.TrainingSamples)
	assert.Equal(t, 3, b.SkippedEvents)
}

func TestTrainErrors(t *testing.T) {
	events := synth.Generate(120, 0, 4).Events

	tests := []struct {
		name     string
		events   []event.SecurityEvent
		opts     []Option
		wantErr  error
		training bool
	}{
		{
			name:    "too few events",
			events:  events[:10],
			wantErr: detectors.ErrInsufficientData,
		},
		{
			name:    "only invalid events",
			events:  make([]event.SecurityEvent, 100),
			wantErr: detectors.ErrInsufficientData,
		},
		{
			name:     "outlier fit fails",
			events:   events,
			opts:     []Option{WithOutlier(detectorstest.Factory(&detectorstest.Stub{FitErr: errors.New("boom")}))},
			wantErr:  detectors.ErrTraining,
			training: true,
		},
		{
			name:     "novelty fit fails",
			events:   events,
			opts:     []Option{WithNovelty(detectorstest.Factory(&detectorstest.Stub{FitErr: errors.New("boom")}))},
			wantErr:  detectors.ErrTraining,
			training: true,
		},
		{
			name:    "stage insufficient data keeps identity",
			events:  events,
			opts:    []Option{WithNovelty(detectorstest.Factory(&detectorstest.Stub{FitErr: detectors.ErrInsufficientData}))},
			wantErr: detectors.ErrInsufficientData,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := newPipeline(t, tt.opts...).Train(t.Context(), tt.events)
			assert.Nil(t, b)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.training, errors.Is(err, detectors.ErrTraining))
		})
	}
}

func TestTrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := newPipeline(t).Train(ctx, synth.Generate(100, 0, 5).Events)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, detectors.ErrTraining)
}

func TestTrainDeterministic(t *testing.T) {
	ds := synth.Generate(300, 0.1, 6)
	p := newPipeline(t)

	a, err := p.Train(t.Context(), ds.Events)
	require.NoError(t, err)
	b, err := p.Train(t.Context(), ds.Events)
	require.NoError(t, err)

	assert.Equal(t, a.Scaler, b.Scaler)
	assert.Equal(t, a.PCA, b.PCA)

	held := synth.Generate(30, 0.5, 99).Events
	for _, e := range held {
		v, err := features.Encode(e)
		require.NoError(t, err)
		ao, an, err := a.Score(v)
		require.NoError(t, err)
		bo, bn, err := b.Score(v)
		require.NoError(t, err)
		assert.Equal(t, ao, bo)
		assert.Equal(t, an, bn)
	}
}

func TestTrainWithStubs(t *testing.T) {
	p := newPipeline(t,
		WithOutlier(detectorstest.Factory(detectorstest.Constant(0.9))),
		WithNovelty(detectorstest.Factory(detectorstest.Constant(0.1))),
	)
	b, err := p.Train(t.Context(), synth.Generate(60, 0, 7).Events)
	require.NoError(t, err)

	v, err := features.Encode(synth.NewGenerator(1).Normal())
	require.NoError(t, err)
	o, n, err := b.Score(v)
	require.NoError(t, err)
	assert.Equal(t, 0.9, o)
	assert.Equal(t, 0.1, n)
}

func TestBundleScoreVersionMismatch(t *testing.T) {
	p := newPipeline(t,
		WithOutlier(detectorstest.Factory(detectorstest.Constant(0))),
		WithNovelty(detectorstest.Factory(detectorstest.Constant(0))),
	)
	b, err := p.Train(t.Context(), synth.Generate(60, 0, 8).Events)
	require.NoError(t, err)

	v, err := features.Encode(synth.NewGenerator(1).Normal())
	require.NoError(t, err)
	v.Version++
	_, _, err = b.Score(v)
	assert.ErrorIs(t, err, detectors.ErrVersionMismatch)

	_, _, err = b.Score(features.Vector{Version: features.Version, Values: []float64{1}})
	assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)
}

func TestEvaluate(t *testing.T) {
	agg, err := aggregate.New(aggregate.DefaultConfig())
	require.NoError(t, err)

	t.Run("everything flagged", func(t *testing.T) {
		p := newPipeline(t,
			WithOutlier(detectorstest.Factory(detectorstest.Constant(1))),
			WithNovelty(detectorstest.Factory(detectorstest.Constant(1))),
		)
		ds := synth.Generate(100, 0.2, 9)
		b, err := p.Train(t.Context(), ds.Events)
		require.NoError(t, err)

		m, err := Evaluate(b, agg, ds.Events, ds.Labels)
		require.NoError(t, err)
		assert.Equal(t, 100, m.Samples)
		assert.Equal(t, 20, m.TruePositives)
		assert.Equal(t, 80, m.FalsePositives)
		assert.InDelta(t, 0.2, m.Precision, 1e-12)
		assert.InDelta(t, 1.0, m.Recall, 1e-12)
		assert.InDelta(t, 2*0.2/1.2, m.F1, 1e-12)
	})

	t.Run("trained model", func(t *testing.T) {
		train := synth.Generate(500, 0.05, 10)
		b, err := newPipeline(t).Train(t.Context(), train.Events)
		require.NoError(t, err)

		test := synth.Generate(200, 0.1, 11)
		m, err := Evaluate(b, agg, test.Events, test.Labels)
		require.NoError(t, err)
		assert.Equal(t, 200, m.Samples)
		assert.Greater(t, m.Accuracy, 0.8)
		assert.Greater(t, m.Recall, 0.5)
	})

	t.Run("label mismatch", func(t *testing.T) {
		_, err := Evaluate(nil, agg, make([]event.SecurityEvent, 2), nil)
		assert.Error(t, err)
	})
}

func BenchmarkTrain(b *testing.B) {
	ds := synth.Generate(1000, 0.05, 1)
	p, err := New(DefaultConfig())
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := p.Train(context.Background(), ds.Events); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBundleScore(b *testing.B) {
	ds := synth.Generate(500, 0.05, 1)
	p, err := New(DefaultConfig())
	require.NoError(b, err)
	bundle, err := p.Train(context.Background(), ds.Events)
	require.NoError(b, err)
	v, err := features.Encode(ds.Events[0])
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := bundle.Score(v); err != nil {
			b.Fatal(err)
		}
	}
}
