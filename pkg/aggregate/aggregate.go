// Package aggregate fuses detector scores into a single anomaly verdict.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/event"
)

// Tiers holds the lower score bound of each threat level above low.
type Tiers struct {
	Medium   float64 `koanf:"medium"`
	High     float64 `koanf:"high"`
	Critical float64 `koanf:"critical"`
}

// Config controls score fusion and classification.
type Config struct {
	OutlierWeight    float64 `koanf:"outlier_weight"`
	NoveltyWeight    float64 `koanf:"novelty_weight"`
	AnomalyThreshold float64 `koanf:"anomaly_threshold"`
	Tiers            Tiers   `koanf:"tiers"`
}

// DefaultConfig weighs both detectors equally.
func DefaultConfig() Config {
	return Config{
		OutlierWeight:    0.5,
		NoveltyWeight:    0.5,
		AnomalyThreshold: 0.5,
		Tiers: Tiers{
			Medium:   0.3,
			High:     0.6,
			Critical: 0.85,
		},
	}
}

// Validate reports inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.OutlierWeight < 0 || c.NoveltyWeight < 0 {
		errs = append(errs, errors.New("weights must not be negative"))
	}
	if c.OutlierWeight+c.NoveltyWeight <= 0 {
		errs = append(errs, errors.New("at least one weight must be positive"))
	}
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("anomaly threshold %g must be in (0, 1)", c.AnomalyThreshold))
	}
	t := c.Tiers
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		errs = append(errs, fmt.Errorf("tiers must satisfy 0 < medium < high < critical <= 1, got %+v", t))
	}
	return errors.Join(errs...)
}

// Verdict is the pure outcome of fusing two scores.
type Verdict struct {
	Score      float64
	IsAnomaly  bool
	Level      event.ThreatLevel
	Confidence float64
}

// Aggregator applies a validated Config.
type Aggregator struct {
	cfg Config
	now func() time.Time
}

// New returns an Aggregator, or an error when cfg is invalid.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	return &Aggregator{cfg: cfg, now: time.Now}, nil
}

// Config returns the configuration in effect.
func (a *Aggregator) Config() Config { return a.cfg }

// Aggregate computes the weighted composite of the outlier and novelty
// scores and classifies it. It is deterministic in its inputs.
func (a *Aggregator) Aggregate(outlier, novelty float64) Verdict {
	w := a.cfg.OutlierWeight + a.cfg.NoveltyWeight
	score := (a.cfg.OutlierWeight*detectors.Clamp01(outlier) + a.cfg.NoveltyWeight*detectors.Clamp01(novelty)) / w
	score = detectors.Clamp01(score)
	return a.classify(score)
}

func (a *Aggregator) classify(score float64) Verdict {
	th := a.cfg.AnomalyThreshold
	return Verdict{
		Score:      score,
		IsAnomaly:  score >= th,
		Level:      a.Level(score),
		Confidence: detectors.Clamp01(math.Abs(score-th) / math.Max(th, 1-th)),
	}
}

// Level maps a composite score to its threat tier.
func (a *Aggregator) Level(score float64) event.ThreatLevel {
	t := a.cfg.Tiers
	switch {
	case score >= t.Critical:
		return event.ThreatCritical
	case score >= t.High:
		return event.ThreatHigh
	case score >= t.Medium:
		return event.ThreatMedium
	default:
		return event.ThreatLow
	}
}

// Result builds a complete AnomalyResult with a fresh analysis id.
func (a *Aggregator) Result(eventID string, outlier, novelty float64, version uint64) event.AnomalyResult {
	v := a.Aggregate(outlier, novelty)
	return event.AnomalyResult{
		AnalysisID:      uuid.NewString(),
		EventID:         eventID,
		AnomalyScore:    v.Score,
		IsAnomaly:       v.IsAnomaly,
		ThreatLevel:     v.Level,
		Confidence:      v.Confidence,
		Recommendations: Recommendations(v.Level),
		OutlierScore:    detectors.Clamp01(outlier),
		NoveltyScore:    detectors.Clamp01(novelty),
		ModelVersion:    version,
		Timestamp:       a.now().UTC(),
	}
}

var recommendations = map[event.ThreatLevel][]string{
	event.ThreatCritical: {
		"Block the source IP immediately",
		"Investigate the user's recent activity",
		"Review system logs",
		"Notify the security team",
	},
	event.ThreatHigh: {
		"Monitor the user's activity",
		"Verify system integrity",
		"Review access policies",
	},
	event.ThreatMedium: {
		"Monitor the user's activity",
		"Verify system integrity",
	},
	event.ThreatLow: {
		"Continue normal monitoring",
	},
}

// Recommendations returns the ordered actions for a threat level.
// The returned slice is a copy.
func Recommendations(level event.ThreatLevel) []string {
	return append([]string(nil), recommendations[level]...)
}
