// Package detectors provides unsupervised anomaly detection algorithms.
package detectors

import (
	"context"
	"errors"
)

// Errors shared by every stage of the scoring and training chain.
var (
	// ErrEncoding reports a malformed or incomplete raw event.
	ErrEncoding = errors.New("invalid event")

	// ErrNotTrained is returned when a detector is used before Fit.
	ErrNotTrained = errors.New("model not trained")

	// ErrModelNotReady is returned when no model bundle has been published yet.
	ErrModelNotReady = errors.New("model not ready")

	// ErrInsufficientData reports a training set that is too small or carries no variance.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrTraining wraps any failure of a fit stage.
	ErrTraining = errors.New("training failed")

	// ErrTrainingTimeout is returned when training exceeds its time budget.
	ErrTrainingTimeout = errors.New("training timed out")

	// ErrVersionMismatch reports a feature vector encoded by another encoder version.
	ErrVersionMismatch = errors.New("encoder version mismatch")

	// ErrDimensionMismatch reports a sample whose width differs from the fitted width.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
)

// Detector is the common interface for all anomaly detection algorithms.
type Detector interface {
	// Name identifies the algorithm in model summaries and logs.
	Name() string

	// Fit trains the detector on historical data.
	// data is a 2D slice where each row is a sample and each column is a feature.
	Fit(data [][]float64) error

	// Predict returns anomaly scores for the given samples.
	// Scores are normalized to [0, 1] where higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Params summarizes the fitted parameters.
	Params() map[string]any

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// ContextFitter is implemented by detectors whose training can be cancelled.
type ContextFitter interface {
	FitContext(ctx context.Context, data [][]float64) error
}

// Factory builds an untrained detector. Training always starts from a fresh
// instance so a published model is never refitted in place.
type Factory func() Detector

// FitWithContext trains d, honouring ctx when the detector supports it.
func FitWithContext(ctx context.Context, d Detector, data [][]float64) error {
	if cf, ok := d.(ContextFitter); ok {
		return cf.FitContext(ctx, data)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.Fit(data)
}

// Clamp01 bounds v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
