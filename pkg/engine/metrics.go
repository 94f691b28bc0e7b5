package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	analysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventguard",
			Name:      "analyses_total",
			Help:      "Events scored, by threat level",
		},
		[]string{"threat_level"},
	)

	analysisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventguard",
			Name:      "analysis_errors_total",
			Help:      "Events that could not be scored, by cause",
		},
		[]string{"kind"}, // "encoding", "not_ready", "scoring", "cancelled"
	)

	trainingRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventguard",
			Name:      "training_runs_total",
			Help:      "Training runs, by outcome",
		},
		[]string{"outcome"}, // "success", "insufficient_data", "timeout", "cancelled", "failed"
	)

	trainingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "eventguard",
			Name:      "training_duration_seconds",
			Help:      "Duration of training runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	activeModelVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "eventguard",
			Name:      "active_model_version",
			Help:      "Version of the bundle currently used for scoring",
		},
	)

	historyEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "eventguard",
			Name:      "history_events",
			Help:      "Events held in the training history",
		},
	)
)
