package engine

import (
	"context"
	"errors"

	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/event"
)

// BatchSummary totals the outcome of AnalyzeBatch.
type BatchSummary struct {
	TotalEvents  int     `json:"total_events"`
	Scored       int     `json:"scored"`
	Rejected     int     `json:"rejected"`
	Anomalies    int     `json:"anomalies"`
	AnomalyRate  float64 `json:"anomaly_rate"`
	ModelVersion uint64  `json:"model_version"`

	// OutlierAnomalies and NoveltyAnomalies count events whose score from
	// that detector alone reaches the anomaly threshold.
	OutlierAnomalies int `json:"outlier_anomalies"`
	NoveltyAnomalies int `json:"novelty_anomalies"`

	Levels map[event.ThreatLevel]int `json:"threat_levels"`
}

// AnalyzeBatch scores every event with the active model and summarizes the
// run. Events that cannot be encoded are counted as rejected. Results are
// returned in input order, rejected events omitted.
func (e *Engine) AnalyzeBatch(ctx context.Context, events []event.SecurityEvent) ([]event.AnomalyResult, BatchSummary, error) {
	sum := BatchSummary{
		TotalEvents: len(events),
		Levels:      make(map[event.ThreatLevel]int, len(event.Levels)),
	}
	b := e.store.Active()
	if b == nil {
		return nil, sum, detectors.ErrModelNotReady
	}
	sum.ModelVersion = b.Version
	threshold := e.agg.Config().AnomalyThreshold

	results := make([]event.AnomalyResult, 0, len(events))
	for _, ev := range events {
		res, err := e.Analyze(ctx, ev)
		switch {
		case errors.Is(err, detectors.ErrEncoding):
			sum.Rejected++
			continue
		case err != nil:
			return results, sum, err
		}
		results = append(results, res)
		sum.Scored++
		sum.Levels[res.ThreatLevel]++
		if res.IsAnomaly {
			sum.Anomalies++
		}
		if res.OutlierScore >= threshold {
			sum.OutlierAnomalies++
		}
		if res.NoveltyScore >= threshold {
			sum.NoveltyAnomalies++
		}
	}
	if sum.Scored > 0 {
		sum.AnomalyRate = float64(sum.Anomalies) / float64(sum.Scored)
	}
	e.log.Info().
		Int("events", sum.TotalEvents).
		Int("anomalies", sum.Anomalies).
		Float64("anomaly_rate", sum.AnomalyRate).
		Int("rejected", sum.Rejected).
		Msg("batch analyzed")
	return results, sum, nil
}
