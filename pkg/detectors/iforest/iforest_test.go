package iforest

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

// gaussian returns n rows of standard normal noise, stable per shape.
func gaussian(n, width int) [][]float64 {
	rng := rand.New(rand.NewSource(int64(n*31 + width)))
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, width)
		for j := range rows[i] {
			rows[i][j] = rng.NormFloat64()
		}
	}
	return rows
}

func trained(t *testing.T, data [][]float64, opts ...Option) *IsolationForest {
	t.Helper()
	f := New(opts...)
	require.NoError(t, f.Fit(data))
	return f
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name  string
		opts  []Option
		trees int
		seed  int64
	}{
		{name: "defaults", trees: 100, seed: 42},
		{name: "trees", opts: []Option{WithTrees(50)}, trees: 50, seed: 42},
		{name: "combined", opts: []Option{WithTrees(200), WithContamination(0.05), WithSeed(123)}, trees: 200, seed: 123},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.opts...)
			assert.Equal(t, tt.trees, f.nTrees)
			assert.Equal(t, tt.seed, f.Seed())
		})
	}
}

func TestFitRejects(t *testing.T) {
	tests := []struct {
		name string
		data [][]float64
		opts []Option
		want error
	}{
		{name: "no rows", data: nil, want: detectors.ErrInsufficientData},
		{name: "below sample size", data: gaussian(10, 3), want: detectors.ErrInsufficientData},
		{name: "ragged", data: append(gaussian(40, 3), []float64{1}), want: detectors.ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(WithTrees(10), WithSampleSize(32))
			assert.ErrorIs(t, f.Fit(tt.data), tt.want)
			assert.False(t, f.trained)
		})
	}

	t.Run("bad config", func(t *testing.T) {
		assert.Error(t, New(WithTrees(0)).Fit(gaussian(300, 2)))
		assert.Error(t, New(WithSampleSize(1)).Fit(gaussian(300, 2)))
	})
}

func TestFitBuildsForest(t *testing.T) {
	f := trained(t, gaussian(100, 5), WithTrees(10), WithSampleSize(32))
	require.Len(t, f.forest, 10)
	for _, tr := range f.forest {
		root := tr.Nodes[0]
		assert.Equal(t, 32, root.Size, "root sees the whole subsample")
		for _, n := range tr.Nodes {
			if n.Left >= 0 {
				assert.Equal(t, n.Size, tr.Nodes[n.Left].Size+tr.Nodes[n.Right].Size)
			}
		}
	}
}

func TestFitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(WithTrees(20), WithSampleSize(32))
	assert.ErrorIs(t, f.FitContext(ctx, gaussian(100, 3)), context.Canceled)
	assert.False(t, f.trained)
}

func TestFitIndependentOfWorkers(t *testing.T) {
	data, queries := gaussian(300, 4), gaussian(20, 4)

	parallel := trained(t, data, WithTrees(40), WithSampleSize(64), WithSeed(7))
	serial := trained(t, data, WithTrees(40), WithSampleSize(64), WithSeed(7), WithWorkers(1))

	a, err := parallel.Predict(queries)
	require.NoError(t, err)
	b, err := serial.Predict(queries)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestScores(t *testing.T) {
	f := trained(t, gaussian(500, 5), WithTrees(50), WithSampleSize(100))

	scores, err := f.Predict(gaussian(100, 5))
	require.NoError(t, err)
	require.Len(t, scores, 100)
	for _, s := range scores {
		assert.True(t, s >= 0 && s <= 1, "score %v out of range", s)
	}

	far, err := f.Predict([][]float64{
		{1000, 1000, 1000, 1000, 1000},
		{-500, -500, -500, -500, -500},
	})
	require.NoError(t, err)
	center, err := f.PredictOne(make([]float64, 5))
	require.NoError(t, err)
	for _, s := range far {
		assert.Greater(t, s, 0.4)
		assert.Greater(t, s, center)
	}

	_, err = f.PredictOne([]float64{1, 2})
	assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)
	_, err = f.Predict([][]float64{make([]float64, 5), {1}})
	assert.ErrorIs(t, err, detectors.ErrDimensionMismatch)
}

func TestUntrained(t *testing.T) {
	f := New()
	_, err := f.Predict(gaussian(3, 2))
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
	_, err = f.PredictOne([]float64{0, 0})
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
	_, err = f.Save()
	assert.ErrorIs(t, err, detectors.ErrNotTrained)
}

func TestThresholdFollowsContamination(t *testing.T) {
	data := gaussian(400, 3)
	f := trained(t, data, WithTrees(30), WithSampleSize(64), WithContamination(0.1))

	scores, err := f.Predict(data)
	require.NoError(t, err)
	above := 0
	for _, s := range scores {
		if s > f.Threshold() {
			above++
		}
	}
	assert.InDelta(t, 40, above, 5)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	src := trained(t, gaussian(200, 4), WithTrees(30), WithSampleSize(64), WithContamination(0.15))
	queries := gaussian(50, 4)
	want, err := src.Predict(queries)
	require.NoError(t, err)

	blob, err := src.Save()
	require.NoError(t, err)

	dst := New(WithSeed(1))
	require.NoError(t, dst.Load(blob))
	got, err := dst.Predict(queries)
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, src.Threshold(), dst.Threshold())
	assert.Equal(t, src.Params(), dst.Params())

	assert.Error(t, New().Load([]byte("not gob")))
}

func TestParams(t *testing.T) {
	f := trained(t, gaussian(40, 2), WithTrees(10), WithSampleSize(16), WithSeed(3))

	p := f.Params()
	assert.Equal(t, 10, p["n_trees"])
	assert.Equal(t, 16, p["sample_size"])
	assert.Equal(t, 4, p["max_depth"])
	assert.Equal(t, 2, p["n_features"])
	assert.Equal(t, int64(3), p["seed"])
}

func TestExpectedDepth(t *testing.T) {
	assert.Zero(t, expectedDepth(0))
	assert.Zero(t, expectedDepth(1))
	assert.Equal(t, 1.0, expectedDepth(2))
	assert.InDelta(t, 10.24, expectedDepth(256), 0.01)
}

func BenchmarkFit(b *testing.B) {
	data := gaussian(10000, 10)
	f := New(WithTrees(100), WithSampleSize(256))
	b.ResetTimer()
	for range b.N {
		_ = f.Fit(data)
	}
}

func BenchmarkPredictOne(b *testing.B) {
	f := New(WithTrees(100), WithSampleSize(256))
	_ = f.Fit(gaussian(5000, 10))
	x := gaussian(1, 10)[0]
	b.ResetTimer()
	for range b.N {
		_, _ = f.PredictOne(x)
	}
}
