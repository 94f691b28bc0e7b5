// Package features turns raw security events into fixed-length numeric
// feature vectors.
package features

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"github.com/hed1ad/eventguard/pkg/detectors"
	"github.com/hed1ad/eventguard/pkg/event"
)

// Version identifies the feature layout produced by Encode. It changes
// whenever the order, count or meaning of features changes.
const Version = 1

// Vector is an encoded event.
type Vector struct {
	Version int
	Values  []float64
}

var names = []string{
	"success",
	"response_time",
	"log_bytes",
	"hour_of_day",
	"day_of_week",
	"event_type",
	"ip_private",
	"hour_sin",
	"hour_cos",
	"day_sin",
	"day_cos",
	"latency_per_kb",
}

// eventTypes is a closed vocabulary so the code of a type never depends on
// which types happen to be present in a training corpus. Unknown types map to 0.
var eventTypes = map[string]float64{
	"login":                1,
	"logout":               2,
	"file_access":          3,
	"network_request":      4,
	"data_transfer":        5,
	"api_call":             6,
	"network_scan":         7,
	"suspicious_login":     8,
	"data_exfiltration":    9,
	"privilege_escalation": 10,
}

// FeatureNames returns the names of the encoded features in order.
func FeatureNames() []string {
	return append([]string(nil), names...)
}

// Dimension is the length of every encoded vector.
func Dimension() int { return len(names) }

// EventTypeCode returns the numeric code of an event type, 0 when unknown.
func EventTypeCode(eventType string) float64 {
	return eventTypes[strings.ToLower(strings.TrimSpace(eventType))]
}

// EncodingError reports the event field that prevented encoding.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s: field %s: %s", detectors.ErrEncoding, e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, detectors.ErrEncoding) hold.
func (e *EncodingError) Unwrap() error { return detectors.ErrEncoding }

// Validate checks that every field Encode needs is present and in range.
func Validate(e event.SecurityEvent) error {
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return &EncodingError{Field: "user_id", Reason: "missing"}
	case strings.TrimSpace(e.SourceIP) == "":
		return &EncodingError{Field: "ip_address", Reason: "missing"}
	case strings.TrimSpace(e.EventType) == "":
		return &EncodingError{Field: "event_type", Reason: "missing"}
	case math.IsNaN(e.ResponseTime) || math.IsInf(e.ResponseTime, 0):
		return &EncodingError{Field: "response_time", Reason: "not a finite number"}
	case e.ResponseTime < 0:
		return &EncodingError{Field: "response_time", Reason: "negative"}
	case e.BytesTransferred < 0:
		return &EncodingError{Field: "bytes_transferred", Reason: "negative"}
	case e.HourOfDay < 0 || e.HourOfDay > 23:
		return &EncodingError{Field: "hour_of_day", Reason: fmt.Sprintf("%d outside 0-23", e.HourOfDay)}
	case e.DayOfWeek < 0 || e.DayOfWeek > 6:
		return &EncodingError{Field: "day_of_week", Reason: fmt.Sprintf("%d outside 0-6", e.DayOfWeek)}
	}
	if _, err := netip.ParseAddr(strings.TrimSpace(e.SourceIP)); err != nil {
		return &EncodingError{Field: "ip_address", Reason: "not an IP address"}
	}
	return nil
}

// Encode maps an event to its feature vector.
func Encode(e event.SecurityEvent) (Vector, error) {
	if err := Validate(e); err != nil {
		return Vector{}, err
	}

	addr, _ := netip.ParseAddr(strings.TrimSpace(e.SourceIP))
	hour := float64(e.HourOfDay)
	day := float64(e.DayOfWeek)
	kb := float64(e.BytesTransferred) / 1024

	values := []float64{
		boolFloat(e.Success),
		e.ResponseTime,
		math.Log1p(float64(e.BytesTransferred)),
		hour,
		day,
		EventTypeCode(e.EventType),
		boolFloat(addr.IsPrivate() || addr.IsLoopback()),
		math.Sin(2 * math.Pi * hour / 24),
		math.Cos(2 * math.Pi * hour / 24),
		math.Sin(2 * math.Pi * day / 7),
		math.Cos(2 * math.Pi * day / 7),
		e.ResponseTime / (kb + 1),
	}
	return Vector{Version: Version, Values: values}, nil
}

// EncodeAll encodes events, skipping invalid ones. It returns the vectors of
// the valid events and one error per skipped event, in input order.
func EncodeAll(events []event.SecurityEvent) ([][]float64, []error) {
	rows := make([][]float64, 0, len(events))
	var errs []error
	for i, e := range events {
		v, err := Encode(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		rows = append(rows, v.Values)
	}
	return rows, errs
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
