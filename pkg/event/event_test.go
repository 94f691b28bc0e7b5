package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseThreatLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    ThreatLevel
		wantErr bool
	}{
		{in: "low", want: ThreatLow},
		{in: " HIGH ", want: ThreatHigh},
		{in: "Critical", want: ThreatCritical},
		{in: "severe", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseThreatLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeverityOrder(t *testing.T) {
	for i := 1; i < len(Levels); i++ {
		assert.Greater(t, Levels[i].Severity(), Levels[i-1].Severity())
	}
	assert.Equal(t, -1, ThreatLevel("bogus").Severity())
}

func TestWithTime(t *testing.T) {
	// 2025-01-05 is a Sunday.
	ts := time.Date(2025, 1, 5, 3, 15, 0, 0, time.UTC)
	e := SecurityEvent{UserID: "u"}.WithTime(ts)
	assert.Equal(t, 3, e.HourOfDay)
	assert.Equal(t, 6, e.DayOfWeek)
	assert.Equal(t, ts, e.Timestamp)
}

func TestUnscored(t *testing.T) {
	now := time.Now()
	r := Unscored("a-1", "e-1", now)
	assert.False(t, r.IsAnomaly)
	assert.Equal(t, ThreatLow, r.ThreatLevel)
	assert.Zero(t, r.AnomalyScore)
	assert.Zero(t, r.Confidence)
	assert.Zero(t, r.ModelVersion)
	assert.Equal(t, []string{UnscoredRecommendation}, r.Recommendations)
}
