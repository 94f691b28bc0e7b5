// Package detectorstest provides deterministic detectors for tests.
package detectorstest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hed1ad/eventguard/pkg/detectors"
)

// Stub is a detector whose score is a fixed function of one feature:
// Clamp01(Scale*|x[Feature]| + Offset). Fit only records the training width.
type Stub struct {
	mu sync.RWMutex

	Label   string
	Feature int
	Scale   float64
	Offset  float64

	// FitErr, when set, is returned by Fit.
	FitErr error
	// FitDelay makes FitContext block until it elapses or ctx is done.
	FitDelay time.Duration

	trained   bool
	nFeatures int
	fits      int
}

// Constant returns a stub that always scores v.
func Constant(v float64) *Stub {
	return &Stub{Label: "constant", Offset: v}
}

// Name implements detectors.Detector.
func (s *Stub) Name() string {
	if s.Label == "" {
		return "stub"
	}
	return s.Label
}

// Fit implements detectors.Detector.
func (s *Stub) Fit(data [][]float64) error {
	return s.FitContext(context.Background(), data)
}

// FitContext implements detectors.ContextFitter.
func (s *Stub) FitContext(ctx context.Context, data [][]float64) error {
	if s.FitDelay > 0 {
		select {
		case <-time.After(s.FitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.FitErr != nil {
		return s.FitErr
	}
	if len(data) == 0 {
		return detectors.ErrInsufficientData
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nFeatures = len(data[0])
	s.trained = true
	s.fits++
	return nil
}

// Fits reports how many times Fit succeeded.
func (s *Stub) Fits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fits
}

// Predict implements detectors.Detector.
func (s *Stub) Predict(data [][]float64) ([]float64, error) {
	out := make([]float64, len(data))
	for i, row := range data {
		v, err := s.PredictOne(row)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// PredictOne implements detectors.Detector.
func (s *Stub) PredictOne(sample []float64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.trained {
		return 0, detectors.ErrNotTrained
	}
	if len(sample) != s.nFeatures {
		return 0, detectors.ErrDimensionMismatch
	}
	x := 0.0
	if s.Feature < len(sample) {
		x = math.Abs(sample[s.Feature])
	}
	return detectors.Clamp01(s.Scale*x + s.Offset), nil
}

// Params implements detectors.Detector.
func (s *Stub) Params() map[string]any {
	return map[string]any{"feature": s.Feature, "scale": s.Scale, "offset": s.Offset}
}

// Save implements detectors.Detector.
func (s *Stub) Save() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.trained {
		return nil, detectors.ErrNotTrained
	}
	buf := make([]byte, 0, 32)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.Feature))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(s.Scale))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(s.Offset))
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.nFeatures))
	return buf, nil
}

// Load implements detectors.Detector.
func (s *Stub) Load(data []byte) error {
	if len(data) != 32 {
		return fmt.Errorf("stub: decode: want 32 bytes, got %d", len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Feature = int(binary.BigEndian.Uint64(data[0:8]))
	s.Scale = math.Float64frombits(binary.BigEndian.Uint64(data[8:16]))
	s.Offset = math.Float64frombits(binary.BigEndian.Uint64(data[16:24]))
	s.nFeatures = int(binary.BigEndian.Uint64(data[24:32]))
	s.trained = true
	return nil
}

// Factory returns a detectors.Factory producing copies of the template.
// Each call yields a fresh, untrained stub.
func Factory(template *Stub) detectors.Factory {
	return func() detectors.Detector {
		return &Stub{
			Label:    template.Label,
			Feature:  template.Feature,
			Scale:    template.Scale,
			Offset:   template.Offset,
			FitErr:   template.FitErr,
			FitDelay: template.FitDelay,
		}
	}
}
