// Package dbscan implements a density-based novelty detector.
//
// Training clusters the samples the way DBSCAN does: a point with at least
// MinSamples neighbours (itself included) within Eps is a core point, and
// clusters grow through chains of core points. Only core points of clusters
// that are large enough are kept. At prediction time a sample is scored by
// its distance to the nearest kept core point: 0 inside the reach of a
// cluster, rising linearly to 1 at twice Eps beyond it.
package dbscan

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

// Name is the algorithm identifier reported in model summaries.
const Name = "dbscan"

const (
	noise = -1

	// autoEpsPercentile selects eps from the distribution of k-distances.
	autoEpsPercentile = 90

	minEps = 1e-6
)

// Detector is a DBSCAN-style novelty detector.
type Detector struct {
	mu sync.RWMutex

	eps                float64
	minSamples         int
	minClusterFraction float64
	maxSamples         int
	seed               int64

	trained    bool
	fittedEps  float64
	nFeatures  int
	cores      [][]float64
	labels     []int
	nClusters  int
	noiseRatio float64
	nFitted    int
}

// Option configures a Detector.
type Option func(*Detector)

// WithEps sets the neighbourhood radius. Zero selects it from the data.
func WithEps(eps float64) Option {
	return func(d *Detector) {
		d.eps = eps
	}
}

// WithMinSamples sets the neighbour count (self included) a core point needs.
func WithMinSamples(n int) Option {
	return func(d *Detector) {
		d.minSamples = n
	}
}

// WithMinClusterFraction drops clusters smaller than this share of the
// training set. Small tight groups of outliers otherwise form clusters of
// their own and would score as normal.
func WithMinClusterFraction(f float64) Option {
	return func(d *Detector) {
		d.minClusterFraction = f
	}
}

// WithMaxSamples bounds the training set; larger sets are subsampled.
func WithMaxSamples(n int) Option {
	return func(d *Detector) {
		d.maxSamples = n
	}
}

// WithSeed sets the seed used for subsampling.
func WithSeed(seed int64) Option {
	return func(d *Detector) {
		d.seed = seed
	}
}

// New creates a Detector with the given options.
func New(opts ...Option) *Detector {
	d := &Detector{
		minSamples:         5,
		minClusterFraction: 0.05,
		maxSamples:         2000,
		seed:               42,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements detectors.Detector.
func (d *Detector) Name() string { return Name }

// Fit implements detectors.Detector.
func (d *Detector) Fit(data [][]float64) error {
	return d.FitContext(context.Background(), data)
}

// FitContext clusters data and keeps the core points of surviving clusters.
func (d *Detector) FitContext(ctx context.Context, data [][]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.minSamples < 2 {
		return fmt.Errorf("dbscan: min samples must be at least 2, got %d", d.minSamples)
	}
	if d.eps < 0 {
		return fmt.Errorf("dbscan: eps must not be negative, got %g", d.eps)
	}
	if len(data) < d.minSamples {
		return fmt.Errorf("%w: dbscan needs %d samples, got %d",
			detectors.ErrInsufficientData, d.minSamples, len(data))
	}
	nFeatures := len(data[0])
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d",
				detectors.ErrDimensionMismatch, i, len(row), nFeatures)
		}
	}

	points := d.subsample(data)
	n := len(points)

	dist, err := pairwiseDistances(ctx, points)
	if err != nil {
		return err
	}

	eps := d.eps
	if eps == 0 {
		eps = autoEps(dist, d.minSamples-1)
	}
	eps = math.Max(eps, minEps)

	isCore := make([]bool, n)
	for i := range points {
		count := 0
		for j := range points {
			if dist[i][j] <= eps {
				count++
			}
		}
		isCore[i] = count >= d.minSamples
	}

	labels := expand(dist, isCore, eps)

	sizes := map[int]int{}
	for _, l := range labels {
		if l != noise {
			sizes[l]++
		}
	}
	minSize := max(d.minSamples, int(math.Ceil(d.minClusterFraction*float64(n))))

	var (
		cores     [][]float64
		coreLabel []int
		kept      = map[int]bool{}
		noisy     int
	)
	for i, l := range labels {
		if l == noise || sizes[l] < minSize {
			noisy++
			continue
		}
		kept[l] = true
		if isCore[i] {
			cores = append(cores, append([]float64(nil), points[i]...))
			coreLabel = append(coreLabel, l)
		}
	}
	if len(cores) == 0 {
		return fmt.Errorf("%w: dbscan found no cluster of at least %d points (eps %.4g)",
			detectors.ErrInsufficientData, minSize, eps)
	}

	d.fittedEps = eps
	d.nFeatures = nFeatures
	d.cores = cores
	d.labels = coreLabel
	d.nClusters = len(kept)
	d.noiseRatio = float64(noisy) / float64(n)
	d.nFitted = n
	d.trained = true

	return nil
}

// subsample returns data, or a seeded random subset when it exceeds maxSamples.
func (d *Detector) subsample(data [][]float64) [][]float64 {
	if d.maxSamples <= 0 || len(data) <= d.maxSamples {
		return data
	}
	rng := rand.New(rand.NewSource(d.seed))
	idx := rng.Perm(len(data))[:d.maxSamples]
	sort.Ints(idx)
	out := make([][]float64, len(idx))
	for i, j := range idx {
		out[i] = data[j]
	}
	return out
}

func pairwiseDistances(ctx context.Context, points [][]float64) ([][]float64, error) {
	n := len(points)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < n; j++ {
			v := floats.Distance(points[i], points[j], 2)
			dist[i][j] = v
			dist[j][i] = v
		}
	}
	return dist, nil
}

// autoEps picks the radius from the k-distance distribution: the distance
// from each point to its k-th nearest other point.
func autoEps(dist [][]float64, k int) float64 {
	kd := make([]float64, 0, len(dist))
	others := make([]float64, 0, len(dist))
	for i, row := range dist {
		others = others[:0]
		for j, v := range row {
			if j != i {
				others = append(others, v)
			}
		}
		sort.Float64s(others)
		idx := min(k, len(others)) - 1
		if idx < 0 {
			continue
		}
		kd = append(kd, others[idx])
	}
	if len(kd) == 0 {
		return 0
	}
	sort.Float64s(kd)
	return kd[int(float64(len(kd)-1)*autoEpsPercentile/100)]
}

// expand assigns cluster labels by breadth-first growth through core points.
func expand(dist [][]float64, isCore []bool, eps float64) []int {
	n := len(dist)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = noise
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if !isCore[i] || labels[i] != noise {
			continue
		}
		labels[i] = cluster
		queue := []int{i}
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if !isCore[p] {
				continue
			}
			for q := 0; q < n; q++ {
				if labels[q] == noise && dist[p][q] <= eps {
					labels[q] = cluster
					queue = append(queue, q)
				}
			}
		}
		cluster++
	}
	return labels
}

// Predict implements detectors.Detector.
func (d *Detector) Predict(data [][]float64) ([]float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained {
		return nil, detectors.ErrNotTrained
	}
	scores := make([]float64, len(data))
	for i, sample := range data {
		s, err := d.predictOne(sample)
		if err != nil {
			return nil, err
		}
		scores[i] = s
	}
	return scores, nil
}

// PredictOne implements detectors.Detector.
func (d *Detector) PredictOne(sample []float64) (float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained {
		return 0, detectors.ErrNotTrained
	}
	return d.predictOne(sample)
}

func (d *Detector) predictOne(sample []float64) (float64, error) {
	if len(sample) != d.nFeatures {
		return 0, fmt.Errorf("%w: got %d features, want %d",
			detectors.ErrDimensionMismatch, len(sample), d.nFeatures)
	}
	nearest := math.Inf(1)
	for _, c := range d.cores {
		if v := floats.Distance(sample, c, 2); v < nearest {
			nearest = v
		}
	}
	if nearest <= d.fittedEps {
		return 0, nil
	}
	return detectors.Clamp01((nearest - d.fittedEps) / d.fittedEps), nil
}

// Eps returns the radius in effect after training.
func (d *Detector) Eps() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fittedEps
}

// Params implements detectors.Detector.
func (d *Detector) Params() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]any{
		"eps":                  d.fittedEps,
		"eps_auto":             d.eps == 0,
		"min_samples":          d.minSamples,
		"min_cluster_fraction": d.minClusterFraction,
		"n_clusters":           d.nClusters,
		"n_core_points":        len(d.cores),
		"noise_ratio":          d.noiseRatio,
		"n_fitted":             d.nFitted,
	}
}

type snapshot struct {
	Eps                float64
	MinSamples         int
	MinClusterFraction float64
	MaxSamples         int
	Seed               int64
	FittedEps          float64
	NFeatures          int
	Cores              [][]float64
	Labels             []int
	NClusters          int
	NoiseRatio         float64
	NFitted            int
}

// Save implements detectors.Detector.
func (d *Detector) Save() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained {
		return nil, detectors.ErrNotTrained
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{
		Eps:                d.eps,
		MinSamples:         d.minSamples,
		MinClusterFraction: d.minClusterFraction,
		MaxSamples:         d.maxSamples,
		Seed:               d.seed,
		FittedEps:          d.fittedEps,
		NFeatures:          d.nFeatures,
		Cores:              d.cores,
		Labels:             d.labels,
		NClusters:          d.nClusters,
		NoiseRatio:         d.noiseRatio,
		NFitted:            d.nFitted,
	}); err != nil {
		return nil, fmt.Errorf("dbscan: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Load implements detectors.Detector.
func (d *Detector) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("dbscan: decode: %w", err)
	}
	if len(s.Cores) == 0 || s.FittedEps <= 0 {
		return fmt.Errorf("dbscan: decode: snapshot has no core points")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.eps = s.Eps
	d.minSamples = s.MinSamples
	d.minClusterFraction = s.MinClusterFraction
	d.maxSamples = s.MaxSamples
	d.seed = s.Seed
	d.fittedEps = s.FittedEps
	d.nFeatures = s.NFeatures
	d.cores = s.Cores
	d.labels = s.Labels
	d.nClusters = s.NClusters
	d.noiseRatio = s.NoiseRatio
	d.nFitted = s.NFitted
	d.trained = true
	return nil
}
