// Package preprocess holds the fitted transforms applied to feature vectors
// before they reach the detectors: standard scaling and PCA projection.
package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

// DefaultEpsilon is the smallest scale a feature is divided by.
const DefaultEpsilon = 1e-8

// ScalerConfig controls scaler fitting.
type ScalerConfig struct {
	// MinSamples is the smallest accepted training set. Values below 2 are raised to 2.
	MinSamples int
	// Epsilon floors the per-feature scale. Zero selects DefaultEpsilon.
	Epsilon float64
}

// ScalerParams are the per-feature statistics learned by FitScaler.
type ScalerParams struct {
	Mean    []float64
	Scale   []float64
	Epsilon float64
	Samples int
	// Constant lists the features that had no variance in training.
	Constant []int
}

// FitScaler computes the population mean and standard deviation of every
// column of rows. A column without variance keeps scale 1 so it passes
// through centered but unscaled; a training set where every column is
// constant carries no signal and is rejected.
func FitScaler(rows [][]float64, cfg ScalerConfig) (ScalerParams, error) {
	minSamples := max(cfg.MinSamples, 2)
	eps := cfg.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	if len(rows) < minSamples {
		return ScalerParams{}, fmt.Errorf("%w: scaler needs %d samples, got %d",
			detectors.ErrInsufficientData, minSamples, len(rows))
	}
	dim := len(rows[0])
	if dim == 0 {
		return ScalerParams{}, fmt.Errorf("%w: empty feature vectors", detectors.ErrInsufficientData)
	}

	p := ScalerParams{
		Mean:    make([]float64, dim),
		Scale:   make([]float64, dim),
		Epsilon: eps,
		Samples: len(rows),
	}
	col := make([]float64, len(rows))
	for j := 0; j < dim; j++ {
		for i, row := range rows {
			if len(row) != dim {
				return ScalerParams{}, fmt.Errorf("%w: row %d has %d features, want %d",
					detectors.ErrDimensionMismatch, i, len(row), dim)
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if math.IsNaN(mean) || math.IsInf(mean, 0) || math.IsNaN(std) || math.IsInf(std, 0) {
			return ScalerParams{}, fmt.Errorf("%w: feature %d is not finite", detectors.ErrEncoding, j)
		}
		p.Mean[j] = mean
		if std < eps {
			p.Scale[j] = 1
			p.Constant = append(p.Constant, j)
			continue
		}
		p.Scale[j] = std
	}
	if len(p.Constant) == dim {
		return ScalerParams{}, fmt.Errorf("%w: every feature has zero variance",
			detectors.ErrInsufficientData)
	}
	return p, nil
}

// Dim is the width of the vectors the scaler accepts.
func (p ScalerParams) Dim() int { return len(p.Mean) }

// Transform returns (x - mean) / max(scale, epsilon) for every feature.
func (p ScalerParams) Transform(x []float64) ([]float64, error) {
	if len(x) != len(p.Mean) {
		return nil, fmt.Errorf("%w: got %d features, scaler fitted on %d",
			detectors.ErrDimensionMismatch, len(x), len(p.Mean))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - p.Mean[j]) / math.Max(p.Scale[j], p.Epsilon)
	}
	return out, nil
}

// TransformAll applies Transform to every row.
func (p ScalerParams) TransformAll(rows [][]float64) ([][]float64, error) {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		v, err := p.Transform(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
