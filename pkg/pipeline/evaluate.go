package pipeline

import (
	"fmt"

	"github.com/hed1ad/eventguard/pkg/aggregate"
	"github.com/hed1ad/eventguard/pkg/event"
	"github.com/hed1ad/eventguard/pkg/features"
)

// Metrics compares predicted anomalies against known labels.
type Metrics struct {
	Samples int `json:"samples"`
	Skipped int `json:"skipped"`

	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`

	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Evaluate scores every event with b and agg and compares IsAnomaly with
// labels, where true marks a known anomaly. Events that cannot be encoded
// are counted as skipped.
func Evaluate(b *Bundle, agg *aggregate.Aggregator, events []event.SecurityEvent, labels []bool) (Metrics, error) {
	if len(events) != len(labels) {
		return Metrics{}, fmt.Errorf("evaluate: %d events but %d labels", len(events), len(labels))
	}
	var m Metrics
	for i, e := range events {
		v, err := features.Encode(e)
		if err != nil {
			m.Skipped++
			continue
		}
		outlier, novelty, err := b.Score(v)
		if err != nil {
			return Metrics{}, fmt.Errorf("evaluate: event %d: %w", i, err)
		}
		predicted := agg.Aggregate(outlier, novelty).IsAnomaly
		m.Samples++
		switch {
		case predicted && labels[i]:
			m.TruePositives++
		case predicted:
			m.FalsePositives++
		case labels[i]:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
	}
	m.compute()
	return m, nil
}

func (m *Metrics) compute() {
	if m.Samples > 0 {
		m.Accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(m.Samples)
	}
	if p := m.TruePositives + m.FalsePositives; p > 0 {
		m.Precision = float64(m.TruePositives) / float64(p)
	}
	if p := m.TruePositives + m.FalseNegatives; p > 0 {
		m.Recall = float64(m.TruePositives) / float64(p)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
}
