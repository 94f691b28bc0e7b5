// Package event defines the security events the engine consumes and the
// analysis results it produces.
package event

import (
	"fmt"
	"strings"
	"time"
)

// SecurityEvent is a single observed security-relevant action.
type SecurityEvent struct {
	ID               string    `json:"id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	UserID           string    `json:"user_id"`
	SourceIP         string    `json:"ip_address"`
	EventType        string    `json:"event_type"`
	Success          bool      `json:"success"`
	ResponseTime     float64   `json:"response_time"` // seconds
	BytesTransferred int64     `json:"bytes_transferred"`
	HourOfDay        int       `json:"hour_of_day"`
	DayOfWeek        int       `json:"day_of_week"` // 0 = Monday
}

// WithTime sets Timestamp and derives HourOfDay and DayOfWeek from it.
func (e SecurityEvent) WithTime(t time.Time) SecurityEvent {
	e.Timestamp = t
	e.HourOfDay = t.Hour()
	e.DayOfWeek = (int(t.Weekday()) + 6) % 7
	return e
}

// ThreatLevel is the discrete classification of an anomaly score.
type ThreatLevel string

// Threat levels in increasing order of severity.
const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Levels lists every threat level from least to most severe.
var Levels = []ThreatLevel{ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical}

// ParseThreatLevel converts s (case-insensitive) to a ThreatLevel.
func ParseThreatLevel(s string) (ThreatLevel, error) {
	l := ThreatLevel(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Levels {
		if l == known {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown threat level %q", s)
}

// Severity returns the ordinal of the level, 0 for low.
func (l ThreatLevel) Severity() int {
	for i, known := range Levels {
		if l == known {
			return i
		}
	}
	return -1
}

// AnomalyResult is the outcome of scoring one event.
type AnomalyResult struct {
	AnalysisID      string      `json:"analysis_id"`
	EventID         string      `json:"event_id,omitempty"`
	AnomalyScore    float64     `json:"anomaly_score"`
	IsAnomaly       bool        `json:"is_anomaly"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	Confidence      float64     `json:"confidence"`
	Recommendations []string    `json:"recommendations"`
	OutlierScore    float64     `json:"outlier_score"`
	NoveltyScore    float64     `json:"novelty_score"`
	ModelVersion    uint64      `json:"model_version"`
	Timestamp       time.Time   `json:"timestamp"`
}

// UnscoredRecommendation is attached to results produced without a model.
const UnscoredRecommendation = "model not trained: run training before relying on scores"

// Unscored is the documented fallback result for callers that prefer a value
// over an error when no model has been trained yet. It is never anomalous and
// carries zero confidence and model version 0.
func Unscored(analysisID, eventID string, now time.Time) AnomalyResult {
	return AnomalyResult{
		AnalysisID:      analysisID,
		EventID:         eventID,
		ThreatLevel:     ThreatLow,
		Recommendations: []string{UnscoredRecommendation},
		Timestamp:       now,
	}
}
