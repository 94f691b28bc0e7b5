// Package iforest scores samples by how quickly random axis-aligned splits
// isolate them. Trees are stored as flat node tables so a trained forest
// serializes without pointer chasing.
package iforest

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

// Name is the algorithm identifier reported in model summaries.
const Name = "isolation_forest"

const eulerGamma = 0.5772156649015329

// IsolationForest is an ensemble of isolation trees built on random subsamples.
type IsolationForest struct {
	mu sync.RWMutex

	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64
	workers       int

	forest    []tree
	nFeatures int
	maxDepth  int
	norm      float64 // expected depth for sampleSize points
	threshold float64
	trained   bool
}

// tree is a flat node table; Nodes[0] is the root.
type tree struct {
	Nodes []treeNode
}

// treeNode is a split when Left >= 0, otherwise a leaf holding Size points.
type treeNode struct {
	Feature int
	Split   float64
	Left    int
	Right   int
	Size    int
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the ensemble size.
func WithTrees(n int) Option {
	return func(f *IsolationForest) { f.nTrees = n }
}

// WithSampleSize sets how many rows each tree is grown from.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) { f.sampleSize = n }
}

// WithContamination sets the share of training rows expected to score above
// Threshold.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) { f.contamination = c }
}

// WithSeed fixes the random source.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) { f.seed = seed }
}

// WithWorkers bounds the number of trees grown concurrently.
func WithWorkers(n int) Option {
	return func(f *IsolationForest) { f.workers = n }
}

// New returns an untrained forest of 100 trees over 256-row subsamples.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		seed:          42,
		workers:       runtime.GOMAXPROCS(0),
		threshold:     0.5,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements detectors.Detector.
func (f *IsolationForest) Name() string { return Name }

// Fit implements detectors.Detector.
func (f *IsolationForest) Fit(data [][]float64) error {
	return f.FitContext(context.Background(), data)
}

// FitContext grows the forest, giving up once ctx is done. A failed fit
// leaves any previously trained state untouched.
func (f *IsolationForest) FitContext(ctx context.Context, data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.nTrees < 1:
		return fmt.Errorf("iforest: tree count must be positive, got %d", f.nTrees)
	case f.sampleSize < 2:
		return fmt.Errorf("iforest: sample size must be at least 2, got %d", f.sampleSize)
	case len(data) < f.sampleSize:
		return fmt.Errorf("%w: iforest needs %d samples, got %d",
			detectors.ErrInsufficientData, f.sampleSize, len(data))
	}
	width := len(data[0])
	for i, row := range data {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d",
				detectors.ErrDimensionMismatch, i, len(row), width)
		}
	}

	// Seeds are fixed before any worker starts so the result is independent
	// of scheduling.
	src := rand.New(rand.NewSource(f.seed))
	seeds := make([]int64, f.nTrees)
	for i := range seeds {
		seeds[i] = src.Int63()
	}

	depth := int(math.Ceil(math.Log2(float64(f.sampleSize))))
	forest := make([]tree, f.nTrees)

	g, gctx := errgroup.WithContext(ctx)
	if f.workers > 0 {
		g.SetLimit(f.workers)
	}
	for i := range forest {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			forest[i] = grow(data, width, f.sampleSize, depth, rand.New(rand.NewSource(seeds[i])))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.forest = forest
	f.nFeatures = width
	f.maxDepth = depth
	f.norm = expectedDepth(float64(f.sampleSize))
	f.trained = true

	if f.contamination > 0 && f.contamination < 1 {
		scores, err := f.scoreAll(data)
		if err != nil {
			return err
		}
		slices.Sort(scores)
		f.threshold = stat.Quantile(1-f.contamination, stat.Empirical, scores, nil)
	}
	return nil
}

// grow builds one tree over a random subsample of data. Rows are referenced
// through an index slice that is partitioned in place at every split.
func grow(data [][]float64, width, size, limit int, rng *rand.Rand) tree {
	idx := rng.Perm(len(data))[:size]
	t := tree{Nodes: make([]treeNode, 0, 2*size)}

	type pending struct {
		node, lo, hi, depth int
	}
	t.Nodes = append(t.Nodes, treeNode{Left: -1, Right: -1})
	stack := []pending{{node: 0, lo: 0, hi: size}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rows := idx[p.lo:p.hi]
		t.Nodes[p.node].Size = len(rows)
		if p.depth >= limit || len(rows) < 2 {
			continue
		}

		feature := rng.Intn(width)
		lo, hi := data[rows[0]][feature], data[rows[0]][feature]
		for _, r := range rows[1:] {
			v := data[r][feature]
			lo = min(lo, v)
			hi = max(hi, v)
		}
		if lo == hi {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)

		mid := 0
		for j, r := range rows {
			if data[r][feature] < split {
				rows[mid], rows[j] = rows[j], rows[mid]
				mid++
			}
		}

		left := len(t.Nodes)
		t.Nodes = append(t.Nodes,
			treeNode{Left: -1, Right: -1},
			treeNode{Left: -1, Right: -1})
		n := &t.Nodes[p.node]
		n.Feature, n.Split, n.Left, n.Right = feature, split, left, left+1

		stack = append(stack,
			pending{node: left + 1, lo: p.lo + mid, hi: p.hi, depth: p.depth + 1},
			pending{node: left, lo: p.lo, hi: p.lo + mid, depth: p.depth + 1})
	}
	return t
}

// depth walks x to a leaf and returns the edge count plus the expected
// remaining depth for the points left unsplit there.
func (t *tree) depth(x []float64) float64 {
	i, d := 0, 0
	for {
		n := &t.Nodes[i]
		if n.Left < 0 {
			return float64(d) + expectedDepth(float64(n.Size))
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		d++
	}
}

// expectedDepth is c(n), the mean length of an unsuccessful binary search
// tree lookup among n keys.
func expectedDepth(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// Predict implements detectors.Detector.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	return f.scoreAll(data)
}

// PredictOne implements detectors.Detector.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return 0, detectors.ErrNotTrained
	}
	return f.score(sample)
}

func (f *IsolationForest) scoreAll(data [][]float64) ([]float64, error) {
	out := make([]float64, len(data))
	for i, x := range data {
		s, err := f.score(x)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}

// score is 2^(-E[h(x)]/c(sampleSize)); short mean paths push it towards 1.
func (f *IsolationForest) score(x []float64) (float64, error) {
	if len(x) != f.nFeatures {
		return 0, fmt.Errorf("%w: got %d features, want %d",
			detectors.ErrDimensionMismatch, len(x), f.nFeatures)
	}
	var sum float64
	for i := range f.forest {
		sum += f.forest[i].depth(x)
	}
	mean := sum / float64(len(f.forest))
	return detectors.Clamp01(math.Exp2(-mean / f.norm)), nil
}

// Params implements detectors.Detector.
func (f *IsolationForest) Params() map[string]any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return map[string]any{
		"n_trees":         f.nTrees,
		"sample_size":     f.sampleSize,
		"contamination":   f.contamination,
		"threshold":       f.threshold,
		"max_depth":       f.maxDepth,
		"n_features":      f.nFeatures,
		"avg_path_length": f.norm,
		"seed":            f.seed,
	}
}

// state is the gob form of a trained forest.
type state struct {
	Trees         int
	SampleSize    int
	Contamination float64
	Seed          int64
	Threshold     float64
	Norm          float64
	Features      int
	MaxDepth      int
	Forest        []tree
}

// Save implements detectors.Detector.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.trained {
		return nil, detectors.ErrNotTrained
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(state{
		Trees:         f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		Threshold:     f.threshold,
		Norm:          f.norm,
		Features:      f.nFeatures,
		MaxDepth:      f.maxDepth,
		Forest:        f.forest,
	})
	if err != nil {
		return nil, fmt.Errorf("iforest: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Load implements detectors.Detector.
func (f *IsolationForest) Load(data []byte) error {
	var s state
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("iforest: decode: %w", err)
	}
	if len(s.Forest) == 0 {
		return fmt.Errorf("iforest: decode: no trees")
	}
	for i, t := range s.Forest {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("iforest: decode: tree %d is empty", i)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nTrees = s.Trees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.seed = s.Seed
	f.threshold = s.Threshold
	f.norm = s.Norm
	f.nFeatures = s.Features
	f.maxDepth = s.MaxDepth
	f.forest = s.Forest
	f.trained = true
	return nil
}

// Threshold returns the training-score quantile implied by the contamination.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// Seed returns the seed the forest is grown from.
func (f *IsolationForest) Seed() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seed
}
