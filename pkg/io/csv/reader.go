// Package csv reads and writes security events as CSV.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hed1ad/eventguard/pkg/event"
	eventio "github.com/hed1ad/eventguard/pkg/io"
)

// Columns lists the recognised column names in the order Writer emits them.
var Columns = []string{
	"id",
	"timestamp",
	"user_id",
	"ip_address",
	"event_type",
	"success",
	"response_time",
	"bytes_transferred",
	"hour_of_day",
	"day_of_week",
}

var aliases = map[string]string{
	"source_ip": "ip_address",
	"ip":        "ip_address",
	"user":      "user_id",
	"type":      "event_type",
	"bytes":     "bytes_transferred",
	"hour":      "hour_of_day",
	"day":       "day_of_week",
	"time":      "timestamp",
}

var required = []string{"user_id", "ip_address", "event_type", "success", "response_time"}

// Reader reads events from CSV data whose columns are named in a header row.
type Reader struct {
	closer  io.Closer
	reader  *csv.Reader
	columns map[string]int
	skipped atomic.Int64
	line    int
}

// Option configures a CSV reader.
type Option func(*options)

type options struct {
	columns []string
	comma   rune
}

// WithColumns names the columns of headerless input. When set, the first
// row is treated as data.
func WithColumns(names ...string) Option {
	return func(o *options) {
		o.columns = names
	}
}

// WithComma sets the field delimiter.
func WithComma(r rune) Option {
	return func(o *options) {
		o.comma = r
	}
}

// Open creates a reader for the named file.
func Open(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReader creates a reader over src.
func NewReader(src io.Reader, opts ...Option) (*Reader, error) {
	o := options{comma: ','}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Reader{reader: csv.NewReader(src)}
	r.reader.Comma = o.comma
	r.reader.FieldsPerRecord = -1
	r.reader.TrimLeadingSpace = true

	header := o.columns
	if header == nil {
		row, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("csv: read header: %w", err)
		}
		header = row
		r.line = 1
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}
	r.columns = cols
	return r, nil
}

func mapColumns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canonical, ok := aliases[name]; ok {
			name = canonical
		}
		if _, dup := cols[name]; dup {
			return nil, fmt.Errorf("csv: duplicate column %q", h)
		}
		cols[name] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("csv: missing required column %q", name)
		}
	}
	return cols, nil
}

// Skipped reports how many rows could not be decoded so far.
func (r *Reader) Skipped() int {
	return int(r.skipped.Load())
}

// Read returns every remaining event. Malformed rows are skipped.
func (r *Reader) Read() ([]event.SecurityEvent, error) {
	return eventio.Drain(r.next, r.skip)
}

// Stream returns a channel of events for real-time processing.
func (r *Reader) Stream(ctx context.Context) (<-chan event.SecurityEvent, error) {
	return eventio.Pump(ctx, 100, r.next, r.skip), nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) skip(error) { r.skipped.Add(1) }

func (r *Reader) next() (event.SecurityEvent, bool, error) {
	record, err := r.reader.Read()
	if err == io.EOF {
		return event.SecurityEvent{}, false, nil
	}
	r.line++
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return event.SecurityEvent{}, true, err
		}
		return event.SecurityEvent{}, false, err
	}
	e, err := r.parseRow(record)
	if err != nil {
		return event.SecurityEvent{}, true, fmt.Errorf("csv: line %d: %w", r.line, err)
	}
	return e, true, nil
}

// parseRow converts a record to an event. Empty cells count as missing.
func (r *Reader) parseRow(record []string) (event.SecurityEvent, error) {
	get := func(name string) string {
		i, ok := r.columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	rec := eventio.Record{
		ID:        get("id"),
		UserID:    get("user_id"),
		SourceIP:  get("ip_address"),
		EventType: get("event_type"),
	}
	var err error
	if rec.Timestamp, err = parse(get("timestamp"), func(v string) (time.Time, error) {
		return time.Parse(time.RFC3339, v)
	}); err != nil {
		return event.SecurityEvent{}, fmt.Errorf("timestamp: %w", err)
	}
	if rec.Success, err = parse(get("success"), strconv.ParseBool); err != nil {
		return event.SecurityEvent{}, fmt.Errorf("success: %w", err)
	}
	if rec.ResponseTime, err = parse(get("response_time"), func(v string) (float64, error) {
		return strconv.ParseFloat(v, 64)
	}); err != nil {
		return event.SecurityEvent{}, fmt.Errorf("response_time: %w", err)
	}
	if rec.BytesTransferred, err = parse(get("bytes_transferred"), func(v string) (int64, error) {
		return strconv.ParseInt(v, 10, 64)
	}); err != nil {
		return event.SecurityEvent{}, fmt.Errorf("bytes_transferred: %w", err)
	}
	if rec.HourOfDay, err = parse(get("hour_of_day"), strconv.Atoi); err != nil {
		return event.SecurityEvent{}, fmt.Errorf("hour_of_day: %w", err)
	}
	if rec.DayOfWeek, err = parse(get("day_of_week"), strconv.Atoi); err != nil {
		return event.SecurityEvent{}, fmt.Errorf("day_of_week: %w", err)
	}
	return rec.Event()
}

// parse returns nil for an empty cell.
func parse[T any](v string, fn func(string) (T, error)) (*T, error) {
	if v == "" {
		return nil, nil
	}
	out, err := fn(v)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
