package preprocess

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

// DefaultVarianceRatio is the cumulative explained variance PCA keeps when
// no fixed component count is configured.
const DefaultVarianceRatio = 0.95

// PCAConfig selects how many principal components to retain.
type PCAConfig struct {
	// Components, when positive, fixes the number of retained components.
	Components int
	// VarianceRatio keeps the fewest components whose cumulative explained
	// variance ratio reaches it. Used when Components is zero.
	VarianceRatio float64
}

// PCAParams is a fitted projection.
type PCAParams struct {
	Mean []float64
	// Components holds one unit-length principal direction per row, ordered
	// by descending explained variance.
	Components             [][]float64
	ExplainedVariance      []float64
	ExplainedVarianceRatio []float64
}

// FitPCA computes the principal directions of rows from the eigen
// decomposition of their covariance matrix.
func FitPCA(rows [][]float64, cfg PCAConfig) (PCAParams, error) {
	if cfg.Components < 0 {
		return PCAParams{}, fmt.Errorf("pca: component count must not be negative, got %d", cfg.Components)
	}
	ratio := cfg.VarianceRatio
	if ratio == 0 {
		ratio = DefaultVarianceRatio
	}
	if ratio <= 0 || ratio > 1 {
		return PCAParams{}, fmt.Errorf("pca: variance ratio must be in (0, 1], got %g", ratio)
	}
	n := len(rows)
	if n < 2 {
		return PCAParams{}, fmt.Errorf("%w: pca needs 2 samples, got %d", detectors.ErrInsufficientData, n)
	}
	dim := len(rows[0])
	if dim == 0 {
		return PCAParams{}, fmt.Errorf("%w: empty feature vectors", detectors.ErrInsufficientData)
	}

	x := mat.NewDense(n, dim, nil)
	for i, row := range rows {
		if len(row) != dim {
			return PCAParams{}, fmt.Errorf("%w: row %d has %d features, want %d",
				detectors.ErrDimensionMismatch, i, len(row), dim)
		}
		x.SetRow(i, row)
	}

	mean := make([]float64, dim)
	for j := 0; j < dim; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)

	var es mat.EigenSym
	if ok := es.Factorize(&cov, true); !ok {
		return PCAParams{}, errors.New("pca: eigen decomposition did not converge")
	}
	values := es.Values(nil)
	var vectors mat.Dense
	es.VectorsTo(&vectors)

	order := make([]int, dim)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })

	total := 0.0
	for i, v := range values {
		values[i] = math.Max(v, 0)
		total += values[i]
	}
	if total == 0 {
		return PCAParams{}, fmt.Errorf("%w: pca input has no variance", detectors.ErrInsufficientData)
	}

	k := cfg.Components
	if k == 0 {
		cum := 0.0
		for i, idx := range order {
			cum += values[idx] / total
			k = i + 1
			if cum >= ratio-1e-12 {
				break
			}
		}
	}
	k = min(k, dim)

	p := PCAParams{
		Mean:                   mean,
		Components:             make([][]float64, k),
		ExplainedVariance:      make([]float64, k),
		ExplainedVarianceRatio: make([]float64, k),
	}
	for i := 0; i < k; i++ {
		idx := order[i]
		comp := mat.Col(nil, idx, &vectors)
		// Fix the sign so repeated fits report identical directions.
		if comp[floats.MaxIdx(absAll(comp))] < 0 {
			floats.Scale(-1, comp)
		}
		p.Components[i] = comp
		p.ExplainedVariance[i] = values[idx]
		p.ExplainedVarianceRatio[i] = values[idx] / total
	}
	return p, nil
}

// InputDim is the width of the vectors the projection accepts.
func (p PCAParams) InputDim() int { return len(p.Mean) }

// OutputDim is the number of retained components.
func (p PCAParams) OutputDim() int { return len(p.Components) }

// CumulativeVarianceRatio is the share of variance the retained components explain.
func (p PCAParams) CumulativeVarianceRatio() float64 {
	return floats.Sum(p.ExplainedVarianceRatio)
}

// Transform projects x onto the retained components.
func (p PCAParams) Transform(x []float64) ([]float64, error) {
	if len(x) != len(p.Mean) {
		return nil, fmt.Errorf("%w: got %d features, pca fitted on %d",
			detectors.ErrDimensionMismatch, len(x), len(p.Mean))
	}
	centered := make([]float64, len(x))
	floats.SubTo(centered, x, p.Mean)

	out := make([]float64, len(p.Components))
	for i, comp := range p.Components {
		out[i] = floats.Dot(centered, comp)
	}
	return out, nil
}

// TransformAll applies Transform to every row.
func (p PCAParams) TransformAll(rows [][]float64) ([][]float64, error) {
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

func absAll(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = math.Abs(v)
	}
	return out
}
