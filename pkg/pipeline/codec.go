package pipeline

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/detectors/dbscan"
	"github.com/hed1ad/eventguard/pkg/detectors/iforest"
	"github.com/hed1ad/eventguard/pkg/preprocess"
)

// record is the gob wire form of a Bundle. Detectors are stored by name
// together with their own serialized state.
type record struct {
	Version         uint64
	EncoderVersion  int
	TrainedAt       time.Time
	TrainingSamples int
	SkippedEvents   int
	Seed            int64

	Scaler preprocess.ScalerParams
	PCA    preprocess.PCAParams

	OutlierName  string
	OutlierState []byte
	NoveltyName  string
	NoveltyState []byte
}

// Codec serializes bundles. Detectors are rebuilt on decode through the
// factory registered under their name.
type Codec struct {
	mu        sync.RWMutex
	factories map[string]detectors.Factory
}

// NewCodec returns a codec that knows the built-in detectors.
func NewCodec() *Codec {
	c := &Codec{factories: make(map[string]detectors.Factory)}
	c.Register(iforest.Name, func() detectors.Detector { return iforest.New() })
	c.Register(dbscan.Name, func() detectors.Detector { return dbscan.New() })
	return c
}

// Register adds or replaces the factory for a detector name.
func (c *Codec) Register(name string, f detectors.Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

// Encode serializes b.
func (c *Codec) Encode(b *Bundle) ([]byte, error) {
	outlier, err := b.Outlier.Save()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", b.Outlier.Name(), err)
	}
	novelty, err := b.Novelty.Save()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", b.Novelty.Name(), err)
	}
	rec := record{
		Version:         b.Version,
		EncoderVersion:  b.EncoderVersion,
		TrainedAt:       b.TrainedAt,
		TrainingSamples: b.TrainingSamples,
		SkippedEvents:   b.SkippedEvents,
		Seed:            b.Seed,
		Scaler:          b.Scaler,
		PCA:             b.PCA,
		OutlierName:     b.Outlier.Name(),
		OutlierState:    outlier,
		NoveltyName:     b.Novelty.Name(),
		NoveltyState:    novelty,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode rebuilds a bundle serialized by Encode.
func (c *Codec) Decode(data []byte) (*Bundle, error) {
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	outlier, err := c.restore(rec.OutlierName, rec.OutlierState)
	if err != nil {
		return nil, err
	}
	novelty, err := c.restore(rec.NoveltyName, rec.NoveltyState)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Version:         rec.Version,
		EncoderVersion:  rec.EncoderVersion,
		TrainedAt:       rec.TrainedAt,
		TrainingSamples: rec.TrainingSamples,
		SkippedEvents:   rec.SkippedEvents,
		Seed:            rec.Seed,
		Scaler:          rec.Scaler,
		PCA:             rec.PCA,
		Outlier:         outlier,
		Novelty:         novelty,
	}, nil
}

func (c *Codec) restore(name string, state []byte) (detectors.Detector, error) {
	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decode bundle: no detector registered as %q", name)
	}
	d := f()
	if err := d.Load(state); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return d, nil
}
