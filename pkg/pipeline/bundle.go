// Package pipeline trains model bundles from security events and keeps the
// published versions.
package pipeline

import (
	"fmt"
	"time"

	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/features"
	"github.com/hed1ad/eventguard/pkg/preprocess"
)

// Bundle is everything needed to score an event: the fitted transforms and
// both trained detectors. A bundle is never modified after it is published.
type Bundle struct {
	Version         uint64
	EncoderVersion  int
	TrainedAt       time.Time
	TrainingSamples int
	SkippedEvents   int
	Seed            int64

	Scaler  preprocess.ScalerParams
	PCA     preprocess.PCAParams
	Outlier detectors.Detector
	Novelty detectors.Detector
}

// Project applies the scaler and PCA to an encoded vector.
func (b *Bundle) Project(v features.Vector) ([]float64, error) {
	if v.Version != b.EncoderVersion {
		return nil, fmt.Errorf("%w: vector encoded with v%d, model expects v%d",
			detectors.ErrVersionMismatch, v.Version, b.EncoderVersion)
	}
	scaled, err := b.Scaler.Transform(v.Values)
	if err != nil {
		return nil, err
	}
	return b.PCA.Transform(scaled)
}

// Score returns the outlier and novelty scores of an encoded event.
func (b *Bundle) Score(v features.Vector) (outlier, novelty float64, err error) {
	x, err := b.Project(v)
	if err != nil {
		return 0, 0, err
	}
	if outlier, err = b.Outlier.PredictOne(x); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", b.Outlier.Name(), err)
	}
	if novelty, err = b.Novelty.PredictOne(x); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", b.Novelty.Name(), err)
	}
	return outlier, novelty, nil
}

// Component describes one trained detector.
type Component struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Summary is the public description of a bundle.
type Summary struct {
	Version           uint64    `json:"version"`
	EncoderVersion    int       `json:"encoder_version"`
	TrainedAt         time.Time `json:"trained_at"`
	TrainingSamples   int       `json:"training_samples"`
	SkippedEvents     int       `json:"skipped_events"`
	Features          []string  `json:"features"`
	ConstantFeatures  []string  `json:"constant_features,omitempty"`
	PCAComponents     int       `json:"pca_components"`
	ExplainedVariance float64   `json:"explained_variance"`
	Outlier           Component `json:"outlier"`
	Novelty           Component `json:"novelty"`
}

// Summary reports the bundle's version, training set and component parameters.
func (b *Bundle) Summary() Summary {
	names := features.FeatureNames()
	var constant []string
	for _, j := range b.Scaler.Constant {
		if j < len(names) {
			constant = append(constant, names[j])
		}
	}
	return Summary{
		Version:           b.Version,
		EncoderVersion:    b.EncoderVersion,
		TrainedAt:         b.TrainedAt,
		TrainingSamples:   b.TrainingSamples,
		SkippedEvents:     b.SkippedEvents,
		Features:          names,
		ConstantFeatures:  constant,
		PCAComponents:     b.PCA.OutputDim(),
		ExplainedVariance: b.PCA.CumulativeVarianceRatio(),
		Outlier:           Component{Name: b.Outlier.Name(), Params: b.Outlier.Params()},
		Novelty:           Component{Name: b.Novelty.Name(), Params: b.Novelty.Params()},
	}
}
