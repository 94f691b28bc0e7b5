package io

import (
	"time"

	"github.com/hed1ad/eventguard/pkg/event"
	"github.com/hed1ad/eventguard/pkg/features"
)

// Record is one decoded input row before validation. Nil pointers mark
// fields the input did not carry, which is different from a zero value.
type Record struct {
	ID               string     `json:"id"`
	Timestamp        *time.Time `json:"timestamp"`
	UserID           string     `json:"user_id"`
	SourceIP         string     `json:"ip_address"`
	EventType        string     `json:"event_type"`
	Success          *bool      `json:"success"`
	ResponseTime     *float64   `json:"response_time"`
	BytesTransferred *int64     `json:"bytes_transferred"`
	HourOfDay        *int       `json:"hour_of_day"`
	DayOfWeek        *int       `json:"day_of_week"`
}

// Event builds the SecurityEvent. Success and response time must be
// present. Hour and day come from their own fields when set and from the
// timestamp otherwise, so a record without both and without a timestamp is
// rejected. A missing byte count is taken as zero.
func (r Record) Event() (event.SecurityEvent, error) {
	e := event.SecurityEvent{
		ID:        r.ID,
		UserID:    r.UserID,
		SourceIP:  r.SourceIP,
		EventType: r.EventType,
	}
	if r.Success == nil {
		return e, missing("success")
	}
	if r.ResponseTime == nil {
		return e, missing("response_time")
	}
	e.Success = *r.Success
	e.ResponseTime = *r.ResponseTime
	if r.BytesTransferred != nil {
		e.BytesTransferred = *r.BytesTransferred
	}

	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		e = e.WithTime(*r.Timestamp)
	} else {
		switch {
		case r.HourOfDay == nil:
			return e, &features.EncodingError{Field: "hour_of_day", Reason: "missing and no timestamp"}
		case r.DayOfWeek == nil:
			return e, &features.EncodingError{Field: "day_of_week", Reason: "missing and no timestamp"}
		}
	}
	if r.HourOfDay != nil {
		e.HourOfDay = *r.HourOfDay
	}
	if r.DayOfWeek != nil {
		e.DayOfWeek = *r.DayOfWeek
	}
	return e, nil
}

func missing(field string) error {
	return &features.EncodingError{Field: field, Reason: "missing"}
}
