package io

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/features"
)

func ptr[T any](v T) *T { return &v }

func complete() Record {
	return Record{
		UserID:       "alice",
		SourceIP:     "10.0.0.1",
		EventType:    "login",
		Success:      ptr(true),
		ResponseTime: ptr(0.25),
		HourOfDay:    ptr(9),
		DayOfWeek:    ptr(2),
	}
}

func TestRecordEvent(t *testing.T) {
	// 2025-01-05 is a Sunday.
	ts := time.Date(2025, 1, 5, 3, 15, 0, 0, time.UTC)

	tests := []struct {
		name      string
		edit      func(*Record)
		field     string
		hour, day int
	}{
		{name: "complete", edit: func(*Record) {}, hour: 9, day: 2},
		{name: "timestamp only", edit: func(r *Record) { r.HourOfDay, r.DayOfWeek, r.Timestamp = nil, nil, &ts }, hour: 3, day: 6},
		{name: "explicit hour wins", edit: func(r *Record) { r.DayOfWeek, r.Timestamp = nil, &ts }, hour: 9, day: 6},
		{name: "zero timestamp", edit: func(r *Record) { r.HourOfDay, r.Timestamp = nil, &time.Time{} }, field: "hour_of_day"},
		{name: "no success", edit: func(r *Record) { r.Success = nil }, field: "success"},
		{name: "no response time", edit: func(r *Record) { r.ResponseTime = nil }, field: "response_time"},
		{name: "no day", edit: func(r *Record) { r.DayOfWeek = nil }, field: "day_of_week"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := complete()
			tt.edit(&rec)
			e, err := rec.Event()
			if tt.field != "" {
				var encErr *features.EncodingError
				require.ErrorAs(t, err, &encErr)
				assert.Equal(t, tt.field, encErr.Field)
				assert.ErrorIs(t, err, detectors.ErrEncoding)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.hour, e.HourOfDay)
			assert.Equal(t, tt.day, e.DayOfWeek)
			assert.True(t, e.Success)
			assert.Equal(t, 0.25, e.ResponseTime)
			assert.Zero(t, e.BytesTransferred)
		})
	}
}
