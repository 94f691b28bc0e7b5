package dbscan

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

func TestFit(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		data    [][]float64
		wantErr error
	}{
		{
			name:    "too few samples",
			data:    [][]float64{{0, 0}, {1, 1}, {2, 2}},
			wantErr: detectors.ErrInsufficientData,
		},
		{
			name:    "ragged rows",
			data:    append(blobs(20), []float64{1}),
			wantErr: detectors.ErrDimensionMismatch,
		},
		{
			name:    "only scattered points",
			opts:    []Option{WithEps(0.01)},
			data:    [][]float64{{0, 0}, {1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}},
			wantErr: detectors.ErrInsufficientData,
		},
		{
			name: "automatic eps",
			data: blobs(100),
		},
		{
			name: "fixed eps",
			opts: []Option{WithEps(0.5)},
			data: blobs(100),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.opts...)
			err := d.Fit(tt.data)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, d.Params()["n_clusters"])
			assert.Greater(t, d.Eps(), 0.0)
		})
	}
}

func TestPredictOne(t *testing.T) {
	d := New()
	require.NoError(t, d.Fit(blobs(100)))

	tests := []struct {
		name   string
		sample []float64
		want   float64
	}{
		{name: "first cluster center", sample: []float64{0, 0}, want: 0},
		{name: "second cluster center", sample: []float64{5, 5}, want: 0},
		{name: "far away", sample: []float64{50, 50}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.PredictOne(tt.sample)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("wrong width", func(t *testing.T) {
		_, err := d.PredictOne([]float64{1})
		assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)
	})
}

func TestSmallClustersAreNoise(t *testing.T) {
	data := blobs(100)
	for i := 0; i < 6; i++ {
		data = append(data, []float64{30, 30})
	}

	d := New()
	require.NoError(t, d.Fit(data))

	score, err := d.PredictOne([]float64{30, 30})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	loose := New(WithMinClusterFraction(0))
	require.NoError(t, loose.Fit(data))
	score, err = loose.PredictOne([]float64{30, 30})
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestSubsample(t *testing.T) {
	d := New(WithMaxSamples(50), WithSeed(1))
	require.NoError(t, d.Fit(blobs(100)))
	assert.Equal(t, 50, d.Params()["n_fitted"])

	again := New(WithMaxSamples(50), WithSeed(1))
	require.NoError(t, again.Fit(blobs(100)))
	assert.Equal(t, d.cores, again.cores)
}

func TestFitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().FitContext(ctx, blobs(50))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPredictBeforeFit(t *testing.T) {
	_, err := New().PredictOne([]float64{0, 0})
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
	_, err = New().Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
}

func TestSaveLoad(t *testing.T) {
	d := New(WithEps(0.4))
	require.NoError(t, d.Fit(blobs(80)))

	raw, err := d.Save()
	require.NoError(t, err)

	loaded := New()
	require.NoError(t, loaded.Load(raw))

	queries := [][]float64{{0, 0}, {2.5, 2.5}, {5, 5.2}, {-3, 9}}
	want, err := d.Predict(queries)
	require.NoError(t, err)
	got, err := loaded.Predict(queries)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, d.Params(), loaded.Params())
}

func BenchmarkFit(b *testing.B) {
	data := blobs(500)
	for i := 0; i < b.N; i++ {
		_ = New().Fit(data)
	}
}

// blobs returns n points around (0,0) followed by n points around (5,5).
func blobs(n int) [][]float64 {
	rng := rand.New(rand.NewSource(int64(n)))
	out := make([][]float64, 0, 2*n)
	for _, c := range []float64{0, 5} {
		for i := 0; i < n; i++ {
			out = append(out, []float64{c + 0.3*rng.NormFloat64(), c + 0.3*rng.NormFloat64()})
		}
	}
	return out
}
